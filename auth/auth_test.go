package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/bakape/liveupdate/test"
)

func TestPermissionsAllow(t *testing.T) {
	t.Parallel()

	p := NewPermissions(Update, Edit)
	AssertEquals(t, p.Allow(Update), true)
	AssertEquals(t, p.Allow(Edit), true)
	AssertEquals(t, p.Allow(Close), false)
	AssertEquals(t, p.Allow("unknown"), false)

	s := Superuser()
	for _, c := range Capabilities() {
		AssertEquals(t, s.Allow(c), true)
	}
	AssertEquals(t, NoPermissions().Any(), false)
	AssertEquals(t, NoPermissions().Allow(Update), false)
}

func TestPermissionsWithout(t *testing.T) {
	t.Parallel()

	s := Superuser()
	p := s.Without(Close)
	AssertEquals(t, p.IsSuperuser(), false)
	AssertEquals(t, p.Allow(Close), false)
	AssertEquals(t, p.Allow(Update), true)
	AssertEquals(t, p.Allow(Settings), true)

	// Original must be unchanged
	AssertEquals(t, s.Allow(Close), true)

	q := NewPermissions(Update).Without(Update)
	AssertEquals(t, q.Allow(Update), false)
}

func TestPermissionsSerialization(t *testing.T) {
	t.Parallel()

	cases := [...]struct {
		name, in, out string
		allowed       []string
	}{
		{"superuser", "+all", "+all", Capabilities()},
		{"empty", "", "", nil},
		{"mixed", "+update,+edit,-close", "-close,+edit,+update", []string{
			Update, Edit,
		}},
		{"unknown ignored", "+update,+fly,junk", "+update", []string{Update}},
		{"padding", " +settings , +manage", "+manage,+settings", []string{
			Manage, Settings,
		}},
	}

	for i := range cases {
		c := cases[i]
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			p := LoadPermissions(c.in)
			AssertEquals(t, p.Dumps(), c.out)
			for _, cap := range c.allowed {
				if !p.Allow(cap) {
					t.Fatalf("capability not allowed: %s", cap)
				}
			}
			AssertEquals(t, LoadPermissions(p.Dumps()).Dumps(), c.out)
		})
	}
}

func TestEffectivePermissions(t *testing.T) {
	t.Parallel()

	stored := NewPermissions(Update, Close, Edit)
	user := Viewer{UserID: 1, LoggedIn: true}

	p := Effective(stored, user, true)
	AssertEquals(t, p.Allow(Update), true)

	p = Effective(stored, user, false)
	AssertEquals(t, p.Allow(Update), false)
	AssertEquals(t, p.Allow(Close), false)
	AssertEquals(t, p.Allow(Edit), true)

	p = Effective(NoPermissions(), Viewer{UserID: 2, LoggedIn: true, Admin: true}, false)
	AssertEquals(t, p.Allow(Settings), true)
	AssertEquals(t, p.Allow(Update), false)

	p = Effective(stored, Viewer{}, true)
	AssertEquals(t, p.Any(), false)
}

func TestGetIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	r.Header.Set("X-Forwarded-For", "8.8.8.8, 10.0.0.2")

	ip, err := Proxy{}.GetIP(r)
	AssertNoError(t, err)
	AssertEquals(t, ip, "10.0.0.1")

	ip, err = Proxy{ReverseProxied: true}.GetIP(r)
	AssertNoError(t, err)
	AssertEquals(t, ip, "8.8.8.8")
}

func TestGetViewer(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/", nil)
	AssertEquals(t, GetViewer(r), Viewer{})

	h := http.Header{}
	h.Set(UserHeader, "42")
	h.Set(AdminHeader, "1")
	r.Header = h
	AssertEquals(t, GetViewer(r), Viewer{UserID: 42, LoggedIn: true, Admin: true})
}

func TestVisitorFingerprint(t *testing.T) {
	t.Parallel()

	a := VisitorFingerprint("1.1.1.1", "curl")
	AssertEquals(t, a, VisitorFingerprint("1.1.1.1", "curl"))
	if a == VisitorFingerprint("1.1.1.2", "curl") {
		t.Fatal("fingerprints collide")
	}
}

func TestSubscriptionTokens(t *testing.T) {
	t.Parallel()

	s, err := NewTokenSigner([]byte("secret"))
	AssertNoError(t, err)

	now := time.Unix(1500000000, 0)
	s.now = func() time.Time { return now }

	token := s.Issue("abc", 24*time.Hour)
	AssertNoError(t, s.Verify(token, "abc"))
	AssertEquals(t, s.Verify(token, "abd"), ErrTokenInvalid)
	AssertEquals(t, s.Verify(token+"x", "abc"), ErrTokenInvalid)
	AssertEquals(t, s.Verify("garbage", "abc"), ErrTokenInvalid)

	other, err := NewTokenSigner([]byte("other"))
	AssertNoError(t, err)
	AssertEquals(t, other.Verify(token, "abc"), ErrTokenInvalid)

	now = now.Add(25 * time.Hour)
	AssertEquals(t, s.Verify(token, "abc"), ErrTokenExpired)

	_, err = NewTokenSigner(nil)
	if err == nil {
		t.Fatal("expected error")
	}
}
