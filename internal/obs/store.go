package obs

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store appends transaction events to the durable event table with
// at-least-once semantics. Write failures and timeouts are logged and
// swallowed: observability must never affect the client path.
type Store struct {
	db      *gorm.DB
	timeout time.Duration
}

// OpenStore connects to the event store and migrates the event table.
// When strict is set, an unreachable store is a boot failure.
func OpenStore(dsn string, timeout time.Duration, strict bool) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		if strict {
			return nil, fmt.Errorf("open event store: %w", err)
		}
		logrus.Warnf("event store unreachable, events will be dropped: %v", err)
		return &Store{timeout: timeout}, nil
	}
	if err := db.AutoMigrate(&TransactionEvent{}); err != nil {
		if strict {
			return nil, fmt.Errorf("migrate event store: %w", err)
		}
		logrus.Warnf("event store migration failed: %v", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}, nil
}

// NewStoreWithDB wraps an existing gorm handle. Used by tests.
func NewStoreWithDB(db *gorm.DB, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Store{db: db, timeout: timeout}
}

// Append writes one event, bounded by the store timeout.
func (s *Store) Append(ctx context.Context, ev TransactionEvent) error {
	if s.db == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.WithContext(wctx).Create(&ev).Error
}

// Run drains the emitter channel until it closes or ctx is cancelled.
// Intended to run as a background goroutine.
func (s *Store) Run(ctx context.Context, events <-chan TransactionEvent) {
	for {
		select {
		case <-ctx.Done():
			// Best-effort flush of whatever is already buffered.
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return
					}
					if err := s.Append(context.Background(), ev); err != nil {
						logrus.Debugf("obs: flush write failed: %v", err)
					}
				default:
					return
				}
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := s.Append(context.Background(), ev); err != nil {
				logrus.Debugf("obs: event write failed (%s seq %d): %v", ev.TransactionID, ev.Sequence, err)
			}
		}
	}
}
