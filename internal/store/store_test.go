package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"thsrsniper/internal/domain"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc", path))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func newBoltStore(t *testing.T) Store {
	t.Helper()
	s, err := NewBolt(filepath.Join(t.TempDir(), "tasks.bolt"))
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newSQLiteStore(t),
		"bolt":   newBoltStore(t),
		"memory": NewMemory(),
	}
}

func sampleTask(id string) *domain.Task {
	return &domain.Task{
		ID: id,
		Journey: domain.JourneyParams{
			FromStation: 2,
			ToStation:   7,
			Date:        "2099/01/15",
			AdultCount:  1,
			PersonalID:  "A123456789",
		},
		Interval:    5 * time.Minute,
		MaxAttempts: 3,
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			slot := 9
			in := sampleTask("")
			in.Journey.TimeSlot = &slot

			id, err := st.Create(ctx, in)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(id, "tsk_"))

			got, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID)
			assert.Equal(t, domain.StatusPending, got.Status)
			assert.Equal(t, in.Journey.FromStation, got.Journey.FromStation)
			assert.Equal(t, in.Journey.Date, got.Journey.Date)
			require.NotNil(t, got.Journey.TimeSlot)
			assert.Equal(t, 9, *got.Journey.TimeSlot)
			assert.Equal(t, 5*time.Minute, got.Interval)
			assert.Equal(t, 3, got.MaxAttempts)
			assert.Equal(t, int64(1), got.Version)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestCreateDuplicateID(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			_, err := st.Create(ctx, sampleTask("tsk_fixed"))
			require.NoError(t, err)

			_, err = st.Create(ctx, sampleTask("tsk_fixed"))
			assert.ErrorIs(t, err, ErrDuplicateID)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			_, err := st.Get(context.Background(), "tsk_missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestUpdateReflectsMutation(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			id, err := st.Create(ctx, sampleTask(""))
			require.NoError(t, err)

			got, err := st.Get(ctx, id)
			require.NoError(t, err)

			now := time.Now().UTC().Truncate(time.Second)
			got.Status = domain.StatusSuccess
			got.Attempts = 2
			got.Result = "PNR123"
			got.LastAttemptAt = &now
			require.NoError(t, st.Update(ctx, got))

			fresh, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusSuccess, fresh.Status)
			assert.Equal(t, 2, fresh.Attempts)
			assert.Equal(t, "PNR123", fresh.Result)
			require.NotNil(t, fresh.LastAttemptAt)
			assert.Equal(t, int64(2), fresh.Version)
		})
	}
}

func TestUpdateConflictOnStaleVersion(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			id, err := st.Create(ctx, sampleTask(""))
			require.NoError(t, err)

			a, err := st.Get(ctx, id)
			require.NoError(t, err)
			b, err := st.Get(ctx, id)
			require.NoError(t, err)

			a.Attempts = 1
			require.NoError(t, st.Update(ctx, a))

			b.Attempts = 5
			assert.ErrorIs(t, st.Update(ctx, b), ErrConflict)

			fresh, err := st.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, 1, fresh.Attempts)
		})
	}
}

func TestUpdateNotFound(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ghost := sampleTask("tsk_ghost")
			ghost.Version = 1
			assert.ErrorIs(t, st.Update(context.Background(), ghost), ErrNotFound)
		})
	}
}

func TestListInsertionOrderAndFilters(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			ids := make([]string, 0, 3)
			for i := 0; i < 3; i++ {
				task := sampleTask(fmt.Sprintf("tsk_%d", i))
				task.CreatedAt = time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC)
				if i == 1 {
					task.Owner = "alice"
				}
				id, err := st.Create(ctx, task)
				require.NoError(t, err)
				ids = append(ids, id)
			}

			all, err := st.List(ctx, Filter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			for i, task := range all {
				assert.Equal(t, ids[i], task.ID)
			}

			byOwner, err := st.List(ctx, Filter{Owner: "alice"})
			require.NoError(t, err)
			require.Len(t, byOwner, 1)
			assert.Equal(t, ids[1], byOwner[0].ID)

			second, err := st.Get(ctx, ids[2])
			require.NoError(t, err)
			second.Status = domain.StatusFailed
			require.NoError(t, st.Update(ctx, second))

			failed := domain.StatusFailed
			byStatus, err := st.List(ctx, Filter{Status: &failed})
			require.NoError(t, err)
			require.Len(t, byStatus, 1)
			assert.Equal(t, ids[2], byStatus[0].ID)
		})
	}
}

func TestDelete(t *testing.T) {
	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer st.Close()
			ctx := context.Background()

			id, err := st.Create(ctx, sampleTask(""))
			require.NoError(t, err)

			require.NoError(t, st.Delete(ctx, id))
			_, err = st.Get(ctx, id)
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, st.Delete(ctx, id), ErrNotFound)
		})
	}
}
