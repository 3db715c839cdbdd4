package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"facekiosk/internal/metrics"
	"facekiosk/internal/queue"
)

var (
	// ErrNameRequired is returned for an empty or whitespace-only name.
	ErrNameRequired = errors.New("name required")
	// ErrNoUser is returned when find-or-create yields no usable user id.
	ErrNoUser = errors.New("no user id available")
)

// Store is the persistence the service needs.
type Store interface {
	FindUserByName(ctx context.Context, name string) (*User, error)
	CreateUser(ctx context.Context, u User) (User, error)
	InsertRecord(ctx context.Context, rec Record) (Record, error)
	RecentRecords(ctx context.Context, limit int) ([]Record, error)
}

// Cache holds the recent-records list and the per-name lock. Optional.
type Cache interface {
	GetRecent(ctx context.Context) ([]Record, bool)
	SetRecent(ctx context.Context, recs []Record) error
	InvalidateRecent(ctx context.Context) error
	LockName(ctx context.Context, name string) (func(), error)
}

// Publisher receives a message per written record. Optional.
type Publisher interface {
	Publish(ctx context.Context, msg queue.Message) error
}

// Options configures a Service.
type Options struct {
	RequiredSeconds int
	EmailDomain     string
	RecentLimit     int
	LockWait        time.Duration
	Cache           Cache
	Publisher       Publisher
	Logger          *slog.Logger
}

// Service finds or creates users and writes attendance records.
type Service struct {
	store           Store
	cache           Cache
	pub             Publisher
	log             *slog.Logger
	requiredSeconds int
	emailDomain     string
	recentLimit     int
	lockWait        time.Duration
}

// NewService creates a service backed by a store.
func NewService(store Store, opts Options) *Service {
	if opts.RequiredSeconds <= 0 {
		opts.RequiredSeconds = 3
	}
	if opts.EmailDomain == "" {
		opts.EmailDomain = "example.com"
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 10
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		store:           store,
		cache:           opts.Cache,
		pub:             opts.Publisher,
		log:             opts.Logger,
		requiredSeconds: opts.RequiredSeconds,
		emailDomain:     opts.EmailDomain,
		recentLimit:     opts.RecentLimit,
		lockWait:        opts.LockWait,
	}
}

// EmailFor derives the placeholder email: lowercased name, whitespace removed.
func EmailFor(name, domain string) string {
	local := strings.Join(strings.Fields(strings.ToLower(name)), "")
	return local + "@" + domain
}

// MarkAttendance resolves the user by name, creating it if needed, and writes
// one present record. The two steps are separate round trips.
func (s *Service) MarkAttendance(ctx context.Context, in Checkin) (Record, error) {
	if strings.TrimSpace(in.Name) == "" {
		return Record{}, ErrNameRequired
	}

	userID, err := s.resolveUser(ctx, in)
	if err != nil {
		return Record{}, err
	}

	rec, err := s.store.InsertRecord(ctx, Record{
		UserID:            userID,
		DetectionDuration: s.requiredSeconds,
		Status:            StatusPresent,
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("insert_record").Inc()
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	metrics.RecordsWritten.Inc()
	rec.UserName = in.Name

	if s.cache != nil {
		if err := s.cache.InvalidateRecent(ctx); err != nil {
			s.log.Warn("recent cache invalidate failed", "error", err)
		}
	}
	s.publish(ctx, rec.ID, in.Frame)

	s.log.Info("attendance recorded", "record_id", rec.ID, "user_id", userID, "name", in.Name)
	return rec, nil
}

func (s *Service) resolveUser(ctx context.Context, in Checkin) (string, error) {
	unlock := s.lockName(ctx, in.Name)
	defer unlock()

	user, err := s.store.FindUserByName(ctx, in.Name)
	if err != nil {
		metrics.StoreFailures.WithLabelValues("find_user").Inc()
		return "", fmt.Errorf("find user: %w", err)
	}
	if user != nil && user.ID != "" {
		return user.ID, nil
	}

	created, err := s.store.CreateUser(ctx, User{
		Name:       in.Name,
		Email:      EmailFor(in.Name, s.emailDomain),
		Descriptor: in.Descriptor,
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("create_user").Inc()
		return "", fmt.Errorf("create user: %w", err)
	}
	if created.ID == "" {
		return "", ErrNoUser
	}
	s.log.Info("user created", "user_id", created.ID, "name", in.Name)
	return created.ID, nil
}

// lockName waits up to lockWait for the name lock. Without a cache, or when
// the lock cannot be taken, it proceeds unlocked.
func (s *Service) lockName(ctx context.Context, name string) func() {
	noop := func() {}
	if s.cache == nil {
		return noop
	}
	deadline := time.Now().Add(s.lockWait)
	for {
		unlock, err := s.cache.LockName(ctx, name)
		if err == nil {
			return unlock
		}
		if !errors.Is(err, ErrLockBusy) {
			s.log.Warn("name lock unavailable, continuing unlocked", "error", err)
			return noop
		}
		if time.Now().After(deadline) {
			s.log.Warn("name lock wait expired, continuing unlocked", "name", name)
			return noop
		}
		select {
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return noop
		}
	}
}

func (s *Service) publish(ctx context.Context, recordID string, frame []byte) {
	if s.pub == nil {
		return
	}
	body, err := json.Marshal(SnapshotJob{RecordID: recordID, Frame: frame})
	if err != nil {
		s.log.Warn("snapshot job encode failed", "error", err)
		return
	}
	if err := s.pub.Publish(ctx, queue.Message{Type: queue.TypeAttendanceMarked, Body: body}); err != nil {
		s.log.Warn("queue publish failed", "record_id", recordID, "error", err)
	}
}

// Recent returns the most recent records, newest check-in first.
func (s *Service) Recent(ctx context.Context) ([]Record, error) {
	if s.cache != nil {
		if recs, ok := s.cache.GetRecent(ctx); ok {
			return recs, nil
		}
	}
	recs, err := s.store.RecentRecords(ctx, s.recentLimit)
	if err != nil {
		metrics.StoreFailures.WithLabelValues("recent_records").Inc()
		return nil, fmt.Errorf("recent records: %w", err)
	}
	if recs == nil {
		recs = []Record{}
	}
	if s.cache != nil {
		if err := s.cache.SetRecent(ctx, recs); err != nil {
			s.log.Warn("recent cache store failed", "error", err)
		}
	}
	return recs, nil
}
