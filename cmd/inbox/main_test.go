package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inboxrelay/pkg/platform/sentinel"
	"inboxrelay/pkg/testutil"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := newRootCommand()
	names := make([]string, 0)
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "migrate"}, names)
	assert.NotNil(t, cmd.PersistentFlags().Lookup("log-level"))
}

func TestLoadConfigAppliesLogLevel(t *testing.T) {
	cfg, err := loadConfig(&rootOptions{logLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestHealthHandler(t *testing.T) {
	ok := func(context.Context) error { return nil }

	t.Run("healthy", func(t *testing.T) {
		w := httptest.NewRecorder()
		healthHandler(map[string]func(context.Context) error{"postgres": ok})(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"postgres":"ok"}`, w.Body.String())
	})

	t.Run("degraded", func(t *testing.T) {
		w := httptest.NewRecorder()
		healthHandler(map[string]func(context.Context) error{
			"postgres": ok,
			"kafka":    func(context.Context) error { return errors.New("no brokers") },
		})(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := testutil.UnmarshalResponse[map[string]string](t, w)
		assert.Equal(t, "no brokers", body["kafka"])
		assert.Equal(t, "ok", body["postgres"])
	})
}

func TestIgnoreCanceled(t *testing.T) {
	assert.NoError(t, ignoreCanceled(context.Canceled))
	assert.NoError(t, ignoreCanceled(sentinel.ErrClosed))
	assert.Error(t, ignoreCanceled(errors.New("boom")))
}
