package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nomis52/goquest/agent"
)

type mockReloader struct {
	err error
}

func (m *mockReloader) Reload() error {
	return m.err
}

func TestReloadHandler(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "success",
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "task active",
			err:        fmt.Errorf("cannot reload: %w", agent.ErrBusy),
			wantStatus: http.StatusConflict,
			wantBody:   "a task is active",
		},
		{
			name:       "invalid tasks file",
			err:        errors.New("tasks: duplicate task id cook"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "duplicate task id cook",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewReloadHandler(slog.Default(), &mockReloader{err: tt.err})

			req := httptest.NewRequest(http.MethodPost, "/reload", nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantBody)
		})
	}
}
