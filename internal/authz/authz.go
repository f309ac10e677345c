// Package authz is the handoff between a login session and durable
// storage: it starts sessions for an authorization request and, once the
// session has finished, moves the captured credential into the vault.
package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pinchtab/authstream/internal/registry"
	"github.com/pinchtab/authstream/internal/results"
	"github.com/pinchtab/authstream/internal/vault"
)

var ErrResultNotReady = errors.New("session has not finished")

// Starter opens login sessions.
type Starter interface {
	Start(ctx context.Context) registry.StartResult
}

// StartError wraps a failed session start so callers keep the rate-limit
// details.
type StartError struct {
	Result registry.StartResult
}

func (e *StartError) Error() string { return e.Result.Error }

// FailedError is a session that ended without a credential.
type FailedError struct {
	Reason string
}

func (e *FailedError) Error() string { return "authentication failed: " + e.Reason }

type Authorization struct {
	SessionID  string `json:"sessionId"`
	StreamPath string `json:"streamPath"`
	ExpiresIn  int    `json:"expiresIn"`
}

const (
	workspacePrefix = "workspace/"
	defaultKey      = "default-workspace"
)

// Workspace is what a completed authorization reveals to the caller. The
// credential itself stays in the vault.
type Workspace struct {
	RealmID   string `json:"realmId"`
	RealmName string `json:"realmName"`
	Default   bool   `json:"default"`
}

type WorkspaceInfo struct {
	RealmID   string    `json:"realmId"`
	RealmName string    `json:"realmName"`
	SavedAt   time.Time `json:"savedAt"`
	Default   bool      `json:"default"`
}

type WorkspaceList struct {
	Workspaces []WorkspaceInfo `json:"workspaces"`
	Default    string          `json:"default,omitempty"`
}

// Record is the vault value stored per workspace.
type Record struct {
	Primary   string    `json:"primary"`
	Secondary string    `json:"secondary"`
	RealmID   string    `json:"realmId"`
	RealmName string    `json:"realmName"`
	SavedAt   time.Time `json:"savedAt"`
}

type Coordinator struct {
	sessions Starter
	results  results.Store
	vault    vault.Vault
	clk      clockwork.Clock
	lifetime time.Duration
}

// New builds a Coordinator. lifetime is how long a started session may
// run before it gives up, reported to callers as expiresIn.
func New(sessions Starter, store results.Store, v vault.Vault, clk clockwork.Clock, lifetime time.Duration) *Coordinator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Coordinator{sessions: sessions, results: store, vault: v, clk: clk, lifetime: lifetime}
}

func (c *Coordinator) Authorize(ctx context.Context) (Authorization, error) {
	res := c.sessions.Start(ctx)
	if !res.Success {
		return Authorization{}, &StartError{Result: res}
	}
	return Authorization{
		SessionID:  res.SessionID,
		StreamPath: StreamPath(res.SessionID),
		ExpiresIn:  int(c.lifetime / time.Second),
	}, nil
}

// Complete moves the session's result into the vault under
// WorkspaceKey(realmID). The result is consumed only once the vault write
// succeeded, so a failed save can be retried. With setDefault the realm
// also becomes the default workspace.
func (c *Coordinator) Complete(ctx context.Context, sessionID string, setDefault bool) (Workspace, error) {
	cred, ok, err := c.results.Peek(ctx, sessionID)
	if err != nil {
		return Workspace{}, fmt.Errorf("read result: %w", err)
	}
	if !ok {
		return Workspace{}, ErrResultNotReady
	}
	if !cred.Success {
		c.consume(ctx, sessionID)
		return Workspace{}, &FailedError{Reason: cred.Error}
	}

	realm := cred.RealmID
	if realm == "" {
		realm = "default"
	}
	rec := Record{
		Primary:   cred.Primary,
		Secondary: cred.Secondary,
		RealmID:   realm,
		RealmName: cred.RealmName,
		SavedAt:   c.clk.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Workspace{}, err
	}
	if err := c.vault.Put(ctx, WorkspaceKey(realm), data); err != nil {
		return Workspace{}, fmt.Errorf("save workspace: %w", err)
	}
	c.consume(ctx, sessionID)
	slog.Info("workspace saved", "session", sessionID, "realm", realm)

	ws := Workspace{RealmID: realm, RealmName: rec.RealmName}
	if setDefault {
		if err := c.vault.Put(ctx, defaultKey, []byte(realm)); err != nil {
			slog.Warn("default workspace not updated", "realm", realm, "err", err)
		} else {
			ws.Default = true
		}
	}
	return ws, nil
}

func (c *Coordinator) consume(ctx context.Context, sessionID string) {
	if _, _, err := c.results.Get(ctx, sessionID); err != nil {
		slog.Warn("result not consumed", "session", sessionID, "err", err)
	}
}

// Workspaces lists the stored workspaces without their credentials.
func (c *Coordinator) Workspaces(ctx context.Context) (WorkspaceList, error) {
	keys, err := c.vault.List(ctx, workspacePrefix)
	if err != nil {
		return WorkspaceList{}, err
	}
	def, err := c.defaultRealm(ctx)
	if err != nil {
		return WorkspaceList{}, err
	}
	out := WorkspaceList{Workspaces: make([]WorkspaceInfo, 0, len(keys))}
	for _, k := range keys {
		data, err := c.vault.Get(ctx, k)
		if errors.Is(err, vault.ErrNotFound) {
			continue
		}
		if err != nil {
			return WorkspaceList{}, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			slog.Warn("unreadable workspace record", "key", k, "err", err)
			continue
		}
		out.Workspaces = append(out.Workspaces, WorkspaceInfo{
			RealmID:   rec.RealmID,
			RealmName: rec.RealmName,
			SavedAt:   rec.SavedAt,
			Default:   rec.RealmID == def,
		})
		if rec.RealmID == def {
			out.Default = def
		}
	}
	return out, nil
}

// SetDefault marks a stored workspace as the default.
func (c *Coordinator) SetDefault(ctx context.Context, realmID string) error {
	if _, err := c.vault.Get(ctx, WorkspaceKey(realmID)); err != nil {
		return err
	}
	return c.vault.Put(ctx, defaultKey, []byte(realmID))
}

func (c *Coordinator) defaultRealm(ctx context.Context) (string, error) {
	data, err := c.vault.Get(ctx, defaultKey)
	if errors.Is(err, vault.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Revoke forgets a stored workspace, and the default pointer if it named
// that workspace.
func (c *Coordinator) Revoke(ctx context.Context, realmID string) error {
	if err := c.vault.Delete(ctx, WorkspaceKey(realmID)); err != nil {
		return err
	}
	if def, err := c.defaultRealm(ctx); err == nil && def == realmID {
		if err := c.vault.Delete(ctx, defaultKey); err != nil && !errors.Is(err, vault.ErrNotFound) {
			slog.Warn("default workspace not cleared", "realm", realmID, "err", err)
		}
	}
	slog.Info("workspace revoked", "realm", realmID)
	return nil
}

func WorkspaceKey(realmID string) string { return workspacePrefix + realmID }

func StreamPath(sessionID string) string { return "/sessions/" + sessionID + "/stream" }
