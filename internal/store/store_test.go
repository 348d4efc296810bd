package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// frozenClock returns the same instant forever, forcing the channel clock to
// break ties.
func frozenClock() func() time.Time {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return func() time.Time { return at }
}

type backend struct {
	name string
	open func(t *testing.T, now func() time.Time) Store
}

func backends() []backend {
	return []backend{
		{
			name: "memory",
			open: func(_ *testing.T, now func() time.Time) Store { return NewMemoryWithClock(now) },
		},
		{
			name: "pebble",
			open: func(t *testing.T, now func() time.Time) Store {
				s, err := OpenPebbleWithClock(filepath.Join(t.TempDir(), "pebble"), now)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
		{
			name: "sqlite",
			open: func(t *testing.T, now func() time.Time) Store {
				s, err := OpenSQLiteWithClock(context.Background(), filepath.Join(t.TempDir(), "messages.db"), now)
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
}

func TestAppendReturnsPersistedRecord(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, time.Now)
			ctx := context.Background()

			before := time.Now().Add(-time.Second)
			msg, err := s.Append(ctx, "c1", "alice", "hi")
			require.NoError(t, err)

			assert.NotEmpty(t, msg.ID)
			assert.Equal(t, "c1", msg.Channel)
			assert.Equal(t, "alice", msg.Author)
			assert.Equal(t, "hi", msg.Content)
			assert.True(t, msg.CreatedAt.After(before))

			list, err := s.ListByChannel(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, msg.ID, list[0].ID)
			assert.True(t, msg.CreatedAt.Equal(list[0].CreatedAt))
		})
	}
}

func TestListByChannelOrdersByInsertionWhenClockStalls(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, frozenClock())
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := s.Append(ctx, "c1", "alice", fmt.Sprintf("m%d", i))
				require.NoError(t, err)
				_, err = s.Append(ctx, "c2", "bob", fmt.Sprintf("other%d", i))
				require.NoError(t, err)
			}

			list, err := s.ListByChannel(ctx, "c1")
			require.NoError(t, err)
			require.Len(t, list, 5)
			for i, msg := range list {
				assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
				if i > 0 {
					assert.True(t, msg.CreatedAt.After(list[i-1].CreatedAt), "createdAt must increase")
				}
			}
		})
	}
}

func TestListByChannelEmptyAndIsolated(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, time.Now)
			ctx := context.Background()

			list, err := s.ListByChannel(ctx, "nothing")
			require.NoError(t, err)
			assert.Empty(t, list)

			_, err = s.Append(ctx, "a", "alice", "in a")
			require.NoError(t, err)
			_, err = s.Append(ctx, "a/b", "alice", "in a/b")
			require.NoError(t, err)

			list, err = s.ListByChannel(ctx, "a")
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.Equal(t, "in a", list[0].Content)
		})
	}
}

func TestConcurrentAppendsAcrossChannels(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, time.Now)
			ctx := context.Background()

			const perChannel = 20
			channels := []string{"c1", "c2", "c3"}
			var wg sync.WaitGroup
			for _, ch := range channels {
				wg.Add(1)
				go func(ch string) {
					defer wg.Done()
					for i := 0; i < perChannel; i++ {
						_, err := s.Append(ctx, ch, "alice", fmt.Sprintf("%s-%02d", ch, i))
						assert.NoError(t, err)
					}
				}(ch)
			}
			wg.Wait()

			for _, ch := range channels {
				list, err := s.ListByChannel(ctx, ch)
				require.NoError(t, err)
				require.Len(t, list, perChannel)
				for i, msg := range list {
					assert.Equal(t, fmt.Sprintf("%s-%02d", ch, i), msg.Content)
				}
			}
		})
	}
}

func TestCanceledContextFailsWithPersistenceError(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, time.Now)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := s.Append(ctx, "c1", "alice", "hi")
			require.ErrorIs(t, err, ErrPersistence)

			list, err := s.ListByChannel(context.Background(), "c1")
			require.NoError(t, err)
			assert.Empty(t, list, "failed append must not leave a partial write")
		})
	}
}

func TestPebbleOrderingSurvivesReopenWithLaggingClock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	late := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	s, err := OpenPebbleWithClock(dir, func() time.Time { return late })
	require.NoError(t, err)
	first, err := s.Append(context.Background(), "c1", "alice", "first")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenPebbleWithClock(dir, func() time.Time { return late.Add(-time.Hour) })
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	second, err := s.Append(context.Background(), "c1", "alice", "second")
	require.NoError(t, err)

	assert.True(t, second.CreatedAt.After(first.CreatedAt))
	list, err := s.ListByChannel(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "first", list[0].Content)
	assert.Equal(t, "second", list[1].Content)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, "", "")
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = Open(ctx, "SQLite", filepath.Join(t.TempDir(), "m.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLite{}, s)
	require.NoError(t, s.Close())

	s, err = Open(ctx, "pebble", filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)
	assert.IsType(t, &Pebble{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, "mongo", "")
	assert.Error(t, err)
}
