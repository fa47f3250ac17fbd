// Package live implements the write paths of live threads. Every accepted
// mutation is persisted first and then broadcast to the thread's viewers.
package live

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bakape/liveupdate/auth"
	"github.com/bakape/liveupdate/common"
	"github.com/bakape/liveupdate/db"
	"github.com/go-playground/log"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// Input length limits
const (
	MaxTitleLen       = 120
	MaxDescriptionLen = 120
	MaxResourcesLen   = 10000
	MaxBodyLen        = 4096
)

var (
	errNoTitle        = common.ErrInvalidInput("no title provided")
	errTitleTooLong   = common.ErrTooLong("title")
	errDescTooLong    = common.ErrTooLong("description")
	errResTooLong     = common.ErrTooLong("resources")
	errNotLoggedIn    = common.ErrAccessDenied("not logged in")
	errNotAdmin       = common.ErrAccessDenied("not an administrator")
	errNoInvite       = common.ErrInvalidInput("no pending invite")
	errNotContributor = common.ErrInvalidInput("not a contributor")
	errIsContributor  = common.ErrInvalidInput("already a contributor")
)

// Store persists threads and their update logs
type Store interface {
	InsertThread(ctx context.Context, t common.Thread) error
	GetThread(ctx context.Context, id string) (common.Thread, error)
	SetThreadFields(ctx context.Context, id string,
		fields map[string]interface{}) error
	CloseThread(ctx context.Context, id string) error
	SetBanned(ctx context.Context, id string, banned bool, by string) error
	DerelictThreads(ctx context.Context, before time.Time) ([]string, error)

	SetContributor(ctx context.Context, thread string, user uint64,
		invite bool, p auth.Permissions) error
	RemoveContributor(ctx context.Context, thread string, user uint64,
		invite bool) error
	AcceptInvite(ctx context.Context, thread string, user uint64) error

	// Assigns the update's ID. IDs increase in commit order.
	InsertUpdate(ctx context.Context, u common.Update) (common.Update, error)
	GetUpdate(ctx context.Context, thread string, id uuid.UUID) (
		common.Update, error)
	GetUpdates(ctx context.Context, thread string, p db.UpdatePage) (
		[]common.Update, error)
	SetUpdateFlag(ctx context.Context, thread string, id uuid.UUID,
		flag db.UpdateFlag, val bool) error
}

// Broadcaster publishes thread events to viewers
type Broadcaster interface {
	Update(thread string, u common.Update)
	Delete(thread, fullname string)
	Strike(thread, fullname string)
	Settings(thread string, changes map[string]interface{})
	Complete(thread string)
}

// Queue accepts embed scraping jobs
type Queue interface {
	Enqueue(ctx context.Context, msg []byte) error
}

// Service performs permission-checked operations on live threads
type Service struct {
	store       Store
	broadcaster Broadcaster
	queue       Queue
	encodeJob   func(thread string, id uuid.UUID) ([]byte, error)

	// Held from an update's insertion until its broadcast is queued
	appends threadLocks

	// Overridable for tests
	now func() time.Time
}

// NewService creates a Service. encodeJob formats scraping jobs for new
// updates. queue may be nil to disable embed scraping.
func NewService(
	store Store,
	broadcaster Broadcaster,
	queue Queue,
	encodeJob func(thread string, id uuid.UUID) ([]byte, error),
) *Service {
	return &Service{
		store:       store,
		broadcaster: broadcaster,
		queue:       queue,
		encodeJob:   encodeJob,
		now:         time.Now,
	}
}

// Read a thread and compute the viewer's permissions in it. Banned threads
// are only visible to administrators.
func (s *Service) load(ctx context.Context, id string, v auth.Viewer) (
	t common.Thread, perms auth.Permissions, err error,
) {
	t, err = s.store.GetThread(ctx, id)
	switch {
	case db.IsNotFound(err):
		err = common.ErrInvalidThread(id)
		return
	case err != nil:
		return
	case t.Banned && !v.Admin:
		err = common.ErrInvalidThread(id)
		return
	}
	var stored auth.Permissions
	if v.LoggedIn {
		stored = t.Contributors[v.UserID]
	}
	perms = auth.Effective(stored, v, t.IsLive())
	return
}

// Like load, but also asserts the viewer holds the capability
func (s *Service) authorize(
	ctx context.Context,
	id string,
	v auth.Viewer,
	capability string,
) (
	t common.Thread, perms auth.Permissions, err error,
) {
	t, perms, err = s.load(ctx, id, v)
	if err != nil {
		return
	}
	if !perms.Allow(capability) {
		if !t.IsLive() && (capability == auth.Update || capability == auth.Close) {
			err = common.ErrThreadClosed
		} else {
			err = common.ErrNoPermissions
		}
	}
	return
}

// ThreadParams are the user-editable fields of a thread
type ThreadParams struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Resources   string `json:"resources"`
	NSFW        bool   `json:"nsfw"`
}

func (p *ThreadParams) validate() error {
	p.Title = strings.TrimSpace(p.Title)
	switch {
	case p.Title == "":
		return errNoTitle
	case utf8.RuneCountInString(p.Title) > MaxTitleLen:
		return errTitleTooLong
	case utf8.RuneCountInString(p.Description) > MaxDescriptionLen:
		return errDescTooLong
	case utf8.RuneCountInString(p.Resources) > MaxResourcesLen:
		return errResTooLong
	}
	return nil
}

// CreateThread creates a new live thread owned by the viewer
func (s *Service) CreateThread(
	ctx context.Context,
	v auth.Viewer,
	p ThreadParams,
) (
	t common.Thread, err error,
) {
	if !v.LoggedIn {
		err = errNotLoggedIn
		return
	}
	if err = p.validate(); err != nil {
		return
	}

	t = common.Thread{
		ID:              ksuid.New().String(),
		Title:           p.Title,
		Description:     p.Description,
		DescriptionHTML: RenderText(p.Description),
		Resources:       p.Resources,
		ResourcesHTML:   RenderText(p.Resources),
		State:           common.ThreadLive,
		NSFW:            p.NSFW,
		Created:         s.now().UTC(),
		Contributors: map[uint64]auth.Permissions{
			v.UserID: auth.Superuser(),
		},
		Invites: map[uint64]auth.Permissions{},
	}
	err = s.store.InsertThread(ctx, t)
	return
}

// GetThread returns a thread and the viewer's permissions in it
func (s *Service) GetThread(ctx context.Context, id string, v auth.Viewer) (
	common.Thread, auth.Permissions, error,
) {
	return s.load(ctx, id, v)
}

// GetUpdates returns a page of a thread's update log. Hidden updates are only
// included for contributors with the edit capability.
func (s *Service) GetUpdates(
	ctx context.Context,
	id string,
	v auth.Viewer,
	p db.UpdatePage,
) (
	[]common.Update, error,
) {
	_, perms, err := s.load(ctx, id, v)
	if err != nil {
		return nil, err
	}
	if !perms.Allow(auth.Edit) {
		p.IncludeHidden = false
	}
	return s.store.GetUpdates(ctx, id, p)
}

// PostUpdate appends an update to a thread's log and notifies viewers
func (s *Service) PostUpdate(
	ctx context.Context,
	id string,
	v auth.Viewer,
	body string,
) (
	u common.Update, err error,
) {
	body = strings.TrimSpace(body)
	switch {
	case body == "":
		err = common.ErrEmptyBody
		return
	case utf8.RuneCountInString(body) > MaxBodyLen:
		err = common.ErrBodyTooLong
		return
	}
	if _, _, err = s.authorize(ctx, id, v, auth.Update); err != nil {
		return
	}

	mu := s.appends.get(id)
	mu.Lock()
	u, err = s.store.InsertUpdate(ctx, common.Update{
		Thread:   id,
		Author:   v.UserID,
		Body:     body,
		BodyHTML: RenderText(body),
	})
	if err == nil {
		s.broadcaster.Update(id, u)
	}
	mu.Unlock()
	if err != nil {
		return
	}

	s.enqueueScrape(ctx, u)
	return
}

// Queue resolution of the update's media embeds. Failures only lose embeds.
func (s *Service) enqueueScrape(ctx context.Context, u common.Update) {
	if s.queue == nil || s.encodeJob == nil {
		return
	}
	buf, err := s.encodeJob(u.Thread, u.ID)
	if err == nil {
		err = s.queue.Enqueue(ctx, buf)
	}
	if err != nil {
		log.WithFields(
			log.F("thread", u.Thread),
			log.F("update", u.ID.String()),
		).
			Warnf("enqueueing scrape: %s", err)
	}
}

// Rewrite a flag of an update the viewer authored or may edit
func (s *Service) setFlag(
	ctx context.Context,
	id string,
	v auth.Viewer,
	updateID uuid.UUID,
	flag db.UpdateFlag,
) (
	u common.Update, err error,
) {
	_, perms, err := s.load(ctx, id, v)
	if err != nil {
		return
	}
	u, err = s.store.GetUpdate(ctx, id, updateID)
	switch {
	case db.IsNotFound(err):
		err = common.ErrInvalidUpdate(id, updateID.String())
		return
	case err != nil:
		return
	}
	if !perms.Allow(auth.Edit) && !(v.LoggedIn && u.Author == v.UserID) {
		err = common.ErrNoPermissions
		return
	}
	err = s.store.SetUpdateFlag(ctx, id, updateID, flag, true)
	return
}

// DeleteUpdate hides an update from the log
func (s *Service) DeleteUpdate(
	ctx context.Context,
	id string,
	v auth.Viewer,
	updateID uuid.UUID,
) error {
	u, err := s.setFlag(ctx, id, v, updateID, db.FlagDeleted)
	if err != nil {
		return err
	}
	s.broadcaster.Delete(id, u.Fullname())
	return nil
}

// StrikeUpdate marks an update as incorrect
func (s *Service) StrikeUpdate(
	ctx context.Context,
	id string,
	v auth.Viewer,
	updateID uuid.UUID,
) error {
	u, err := s.setFlag(ctx, id, v, updateID, db.FlagStricken)
	if err != nil {
		return err
	}
	s.broadcaster.Strike(id, u.Fullname())
	return nil
}

// MarkSpam hides an update as spam. Administrators only.
func (s *Service) MarkSpam(
	ctx context.Context,
	id string,
	v auth.Viewer,
	updateID uuid.UUID,
) error {
	if !v.Admin {
		return errNotAdmin
	}
	u, err := s.setFlag(ctx, id, v, updateID, db.FlagSpam)
	if err != nil {
		return err
	}
	s.broadcaster.Delete(id, u.Fullname())
	return nil
}

// SettingsChange contains the thread fields to change. Nil fields are left
// as is.
type SettingsChange struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Resources   *string `json:"resources"`
	NSFW        *bool   `json:"nsfw"`
}

// EditSettings applies changes to a thread and broadcasts only the fields
// that actually differ
func (s *Service) EditSettings(
	ctx context.Context,
	id string,
	v auth.Viewer,
	c SettingsChange,
) (
	diff map[string]interface{}, err error,
) {
	t, _, err := s.authorize(ctx, id, v, auth.Settings)
	if err != nil {
		return
	}

	p := ThreadParams{
		Title:       t.Title,
		Description: t.Description,
		Resources:   t.Resources,
		NSFW:        t.NSFW,
	}
	if c.Title != nil {
		p.Title = *c.Title
	}
	if c.Description != nil {
		p.Description = *c.Description
	}
	if c.Resources != nil {
		p.Resources = *c.Resources
	}
	if c.NSFW != nil {
		p.NSFW = *c.NSFW
	}
	if err = p.validate(); err != nil {
		return
	}

	diff = make(map[string]interface{}, 6)
	if p.Title != t.Title {
		diff["title"] = p.Title
	}
	if p.Description != t.Description {
		diff["description"] = p.Description
		diff["description_html"] = RenderText(p.Description)
	}
	if p.Resources != t.Resources {
		diff["resources"] = p.Resources
		diff["resources_html"] = RenderText(p.Resources)
	}
	if p.NSFW != t.NSFW {
		diff["nsfw"] = p.NSFW
	}
	if len(diff) == 0 {
		return
	}

	err = s.store.SetThreadFields(ctx, id, diff)
	if err != nil {
		return
	}
	s.broadcaster.Settings(id, diff)
	return
}

// Close completes a live thread. No further updates can be posted.
func (s *Service) Close(ctx context.Context, id string, v auth.Viewer) error {
	_, _, err := s.authorize(ctx, id, v, auth.Close)
	if err != nil {
		return err
	}
	return s.close(ctx, id)
}

func (s *Service) close(ctx context.Context, id string) error {
	err := s.store.CloseThread(ctx, id)
	switch {
	case db.IsNotFound(err):
		return common.ErrThreadClosed
	case err != nil:
		return err
	}
	s.broadcaster.Complete(id)
	return nil
}

// Ban hides a thread from everyone except administrators and excludes it
// from activity aggregation
func (s *Service) Ban(ctx context.Context, id string, v auth.Viewer) error {
	return s.setBanned(ctx, id, v, true)
}

// Approve lifts a thread's ban
func (s *Service) Approve(ctx context.Context, id string, v auth.Viewer) error {
	return s.setBanned(ctx, id, v, false)
}

func (s *Service) setBanned(
	ctx context.Context,
	id string,
	v auth.Viewer,
	banned bool,
) error {
	if !v.Admin {
		return errNotAdmin
	}
	err := s.store.SetBanned(ctx, id, banned, strconv.FormatUint(v.UserID, 10))
	if db.IsNotFound(err) {
		return common.ErrInvalidThread(id)
	}
	return err
}

// Invite offers a user contributorship with the passed permissions
func (s *Service) Invite(
	ctx context.Context,
	id string,
	v auth.Viewer,
	user uint64,
	p auth.Permissions,
) error {
	t, _, err := s.authorize(ctx, id, v, auth.Manage)
	if err != nil {
		return err
	}
	if _, ok := t.Contributors[user]; ok {
		return errIsContributor
	}
	return s.store.SetContributor(ctx, id, user, true, p)
}

// AcceptInvite makes the viewer a contributor of a thread they were invited to
func (s *Service) AcceptInvite(
	ctx context.Context,
	id string,
	v auth.Viewer,
) error {
	if !v.LoggedIn {
		return errNotLoggedIn
	}
	if _, _, err := s.load(ctx, id, v); err != nil {
		return err
	}
	err := s.store.AcceptInvite(ctx, id, v.UserID)
	if db.IsNotFound(err) {
		return errNoInvite
	}
	return err
}

// SetPermissions changes the permissions of a contributor or pending invite
func (s *Service) SetPermissions(
	ctx context.Context,
	id string,
	v auth.Viewer,
	user uint64,
	p auth.Permissions,
) error {
	t, _, err := s.authorize(ctx, id, v, auth.Manage)
	if err != nil {
		return err
	}
	invite, err := membership(t, user)
	if err != nil {
		return err
	}
	return s.store.SetContributor(ctx, id, user, invite, p)
}

// RemoveContributor revokes contributorship or a pending invite. Contributors
// can always remove themselves.
func (s *Service) RemoveContributor(
	ctx context.Context,
	id string,
	v auth.Viewer,
	user uint64,
) error {
	t, perms, err := s.load(ctx, id, v)
	if err != nil {
		return err
	}
	if !perms.Allow(auth.Manage) && !(v.LoggedIn && v.UserID == user) {
		return common.ErrNoPermissions
	}
	invite, err := membership(t, user)
	if err != nil {
		return err
	}
	return s.store.RemoveContributor(ctx, id, user, invite)
}

// Returns, if the user is only invited to a thread
func membership(t common.Thread, user uint64) (invite bool, err error) {
	if _, ok := t.Contributors[user]; ok {
		return false, nil
	}
	if _, ok := t.Invites[user]; ok {
		return true, nil
	}
	return false, errNotContributor
}

// CloseAbandoned completes all live threads without updates for longer than
// threshold. Returns the number of threads closed.
func (s *Service) CloseAbandoned(
	ctx context.Context,
	threshold time.Duration,
) (
	closed int, err error,
) {
	ids, err := s.store.DerelictThreads(ctx, s.now().Add(-threshold))
	if err != nil {
		return
	}
	for _, id := range ids {
		err := s.close(ctx, id)
		switch {
		case err == nil:
			closed++
		case errors.Is(err, common.ErrThreadClosed):
		default:
			log.WithFields(log.F("thread", id)).
				Warnf("closing abandoned thread: %s", err)
		}
	}
	return
}
