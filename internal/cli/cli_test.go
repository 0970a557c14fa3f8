package cli

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qm/internal/config"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "qm", cmd.Use)
	assert.True(t, cmd.SilenceUsage)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"serve", "sync", "open", "auth", "watch", "config"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	cfgFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, cfgFlag)
	assert.Equal(t, "c", cfgFlag.Shorthand)
	assert.Equal(t, "/etc/qm/config.yaml", cfgFlag.DefValue)

	verbose := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verbose)
	assert.Equal(t, "false", verbose.DefValue)

	require.NotNil(t, cmd.PersistentFlags().Lookup("listen"))

	open, _, err := cmd.Find([]string{"open"})
	require.NoError(t, err)
	require.NotNil(t, open.Flags().Lookup("at"))

	watch, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)
	require.NotNil(t, watch.Flags().Lookup("force"))
}

func TestParseAt(t *testing.T) {
	at, err := parseAt("2026-10-16T10:30:00+03:00")
	require.NoError(t, err)
	assert.True(t, at.Equal(time.Date(2026, 10, 16, 7, 30, 0, 0, time.UTC)))

	_, err = parseAt("tomorrow")
	assert.Error(t, err)

	at, err = parseAt("")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), at, time.Minute)
}

type fakeExchanger struct {
	code string
	err  error
}

func (f *fakeExchanger) AuthCodeURL(state string) string {
	return "https://accounts.example.com/auth?state=" + state
}

func (f *fakeExchanger) Exchange(_ context.Context, code string) error {
	f.code = code
	return f.err
}

func TestRunAuth(t *testing.T) {
	ex := &fakeExchanger{}
	var out bytes.Buffer
	require.NoError(t, runAuth(context.Background(), ex, strings.NewReader("  4/abc \n"), &out))
	assert.Equal(t, "4/abc", ex.code)
	assert.Contains(t, out.String(), "https://accounts.example.com/auth?state=qm")
	assert.Contains(t, out.String(), "Token saved.")

	assert.Error(t, runAuth(context.Background(), &fakeExchanger{}, strings.NewReader("\n"), &out))

	failing := &fakeExchanger{err: errors.New("invalid_grant")}
	assert.ErrorContains(t, runAuth(context.Background(), failing, strings.NewReader("code"), &out), "invalid_grant")
}

func TestPrintConfigRedactsSecrets(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Google.WebhookToken = "s3cret"
	cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}

	var out bytes.Buffer
	require.NoError(t, printConfig(cfg, &out))
	assert.Contains(t, out.String(), "username: admin")
	assert.Contains(t, out.String(), redacted)
	assert.NotContains(t, out.String(), "s3cret")
	assert.NotContains(t, out.String(), "password: pw")

	// The caller's config is untouched.
	assert.Equal(t, "pw", cfg.BasicAuth.Password)
	assert.Equal(t, "s3cret", cfg.Google.WebhookToken)
}

const pastFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//qm//test//EN
BEGIN:VEVENT
UID:past-1
DTSTAMP:20200101T080000Z
DTSTART:20200102T103000Z
DTEND:20200102T120000Z
SUMMARY:Old lab
END:VEVENT
END:VCALENDAR
`

// writeICSConfig writes a config using the ics source with one calendar
// served by feed.
func writeICSConfig(t *testing.T, feedURL string) *RootOptions {
	t.Helper()
	dir := t.TempDir()

	credentials := `{"installed":{"client_id":"id","client_secret":"secret","redirect_uris":["http://localhost"],"auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token"}}`
	credPath := filepath.Join(dir, "credentials.json")
	require.NoError(t, os.WriteFile(credPath, []byte(credentials), 0o600))

	cfg := config.DefaultConfig()
	cfg.Source = config.SourceICS
	cfg.Timezone = "UTC"
	cfg.Database = filepath.Join(dir, "qm.db")
	cfg.Google.CredentialsPath = credPath
	cfg.Google.TokenPath = filepath.Join(dir, "token.json")
	cfg.Calendars = []config.CalendarConfig{{ID: "course", URL: feedURL}}

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))
	return &RootOptions{ConfigPath: cfgPath}
}

func TestSyncWithICSSource(t *testing.T) {
	var hits int32
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(pastFeed))
	}))
	defer feed.Close()

	opts := writeICSConfig(t, feed.URL+"/course.ics")
	ctx := context.Background()

	a, err := newApp(ctx, opts)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.renewer)
	require.NotNil(t, a.feeds)

	usable, err := a.feeds.Warm(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usable)

	var out bytes.Buffer
	require.NoError(t, runSync(ctx, a, nil, &out))
	assert.Contains(t, out.String(), "course: new=0 deleted=0 stale=0")
	// Warm above, then the warm-up and the pass inside runSync.
	assert.EqualValues(t, 3, atomic.LoadInt32(&hits))

	cals, err := a.store.ListCalendars(ctx)
	require.NoError(t, err)
	require.Len(t, cals, 1)
	assert.Equal(t, "course", cals[0].ExternalID)

	out.Reset()
	require.NoError(t, runSync(ctx, a, []string{"course"}, &out))
	assert.Contains(t, out.String(), "course: new=0")

	// Unknown ics calendars are added but cannot be listed.
	out.Reset()
	assert.Error(t, runSync(ctx, a, []string{"other"}, &out))

	out.Reset()
	require.NoError(t, runOpen(ctx, a, time.Date(2026, 10, 16, 10, 30, 0, 0, time.UTC), &out))
	assert.Contains(t, out.String(), "open_at=2026-10-16T10:30:00Z due=0 opened=0 failed=0")

	assert.Error(t, runWatch(ctx, a, false, &out))
}

func TestLoadConfigAppliesListenFlag(t *testing.T) {
	opts := writeICSConfig(t, "http://127.0.0.1:1/feed.ics")
	opts.Listen = "0.0.0.0:9999"

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", cfg.Listen)
	assert.Equal(t, config.SourceICS, cfg.Source)
}
