// Package passwordhash re-encodes stored password hashes with bcrypt until
// every user's last applied encoding is the preferred one.
package passwordhash

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nimburion/upgradejob/pkg/batch"
	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/store"
)

const (
	PropUsername      = "username"
	PropPasswordHash  = "password_hash"
	PropHashIndicator = "hash_indicator"

	DefaultCost = bcrypt.DefaultCost
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMissingHash     = errors.New("password hash missing")
)

// Records is the part of the record store the upgrader needs.
type Records interface {
	GetProperties(ctx context.Context, id int64) (store.Properties, error)
	UpdateProperties(ctx context.Context, id int64, values map[string]any, expectedVersion int64) error
	EnsureAttributes(ctx context.Context, names ...string) error
}

// Config selects the target encoding.
type Config struct {
	// PreferredEncoding is the indicator entry written after re-hashing.
	// Defaults to "bcrypt<cost>".
	PreferredEncoding string
	Cost              int
}

func (c *Config) normalize() error {
	if c.Cost == 0 {
		c.Cost = DefaultCost
	}
	if c.Cost < bcrypt.MinCost || c.Cost > bcrypt.MaxCost {
		return fmt.Errorf("%w: bcrypt cost must be between %d and %d", ErrInvalidArgument, bcrypt.MinCost, bcrypt.MaxCost)
	}
	c.PreferredEncoding = strings.TrimSpace(c.PreferredEncoding)
	if c.PreferredEncoding == "" {
		c.PreferredEncoding = fmt.Sprintf("bcrypt%d", c.Cost)
	}
	return nil
}

// Upgrader is a batch.Worker. Each user whose hash indicator does not end
// with the preferred encoding gets bcrypt(existing hash) and the encoding
// appended to the indicator, so the previous encodings stay verifiable in
// order.
type Upgrader struct {
	records Records
	config  Config
	log     logger.Logger
}

func NewUpgrader(records Records, cfg Config, log logger.Logger) (*Upgrader, error) {
	if records == nil {
		return nil, fmt.Errorf("%w: record store is required", ErrInvalidArgument)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Upgrader{records: records, config: cfg, log: log}, nil
}

// PreferredEncoding returns the indicator entry of up-to-date users.
func (u *Upgrader) PreferredEncoding() string {
	return u.config.PreferredEncoding
}

// Setup registers the attributes written by Process.
func (u *Upgrader) Setup(ctx context.Context) error {
	return u.records.EnsureAttributes(ctx, PropPasswordHash, PropHashIndicator)
}

// NeedsUpgrade reports whether indicator lacks the preferred last encoding.
func (u *Upgrader) NeedsUpgrade(indicator []string) bool {
	return len(indicator) == 0 || indicator[len(indicator)-1] != u.config.PreferredEncoding
}

func (u *Upgrader) Process(ctx context.Context, item batch.Item) batch.Result {
	props, err := u.records.GetProperties(ctx, item.ID)
	if err != nil {
		return batch.Failed(err)
	}
	indicator := props.Strings(PropHashIndicator)
	username := props.String(PropUsername)
	if !u.NeedsUpgrade(indicator) {
		return batch.Unchanged()
	}

	current := props.String(PropPasswordHash)
	if current == "" {
		return batch.Failed(fmt.Errorf("%w: user %q", ErrMissingHash, username))
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(current), u.config.Cost)
	if err != nil {
		return batch.Failed(fmt.Errorf("hash password of %q: %w", username, err))
	}

	upgraded := make([]string, 0, len(indicator)+1)
	upgraded = append(upgraded, indicator...)
	upgraded = append(upgraded, u.config.PreferredEncoding)

	err = u.records.UpdateProperties(ctx, item.ID, map[string]any{
		PropPasswordHash:  string(hashed),
		PropHashIndicator: upgraded,
	}, props.Version)
	if err != nil {
		return batch.Failed(err)
	}
	u.log.Debug("password hash upgraded", "username", username, "encoding", u.config.PreferredEncoding)
	return batch.Changed()
}

// Label resolves the username of the record.
func (u *Upgrader) Label(ctx context.Context, item batch.Item) string {
	props, err := u.records.GetProperties(ctx, item.ID)
	if err != nil {
		return ""
	}
	return props.String(PropUsername)
}
