package journal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"brokerstore/config"

	"github.com/go-faker/faker/v4"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func testOptions(dir string) config.JournalOptions {
	opts := config.DefaultJournalOptions(dir)
	opts.SyncInterval = 10 * time.Millisecond
	return opts
}

func openJournal(t *testing.T, opts config.JournalOptions) (*Journal, *ReplayResult) {
	t.Helper()

	j, err := NewJournal(log.NewNopLogger(), prometheus.NewRegistry(), opts)
	require.NoError(t, err)

	var res *ReplayResult
	require.NoError(t, j.Replay(func(r *ReplayResult) error {
		res = r
		return nil
	}))

	return j, res
}

func body() []byte {
	return []byte(faker.Sentence())
}

func bodies(records map[uint64]*RecordInfo) map[uint64]string {
	out := make(map[uint64]string, len(records))
	for id, rec := range records {
		out[id] = string(rec.Body)
	}
	return out
}

func copyDir(t *testing.T, src, dst string) {
	t.Helper()

	entries, err := os.ReadDir(src)
	require.NoError(t, err)

	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(src, e.Name()))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dst, e.Name()), b, 0o666))
	}
}

func testLogger() log.Logger {
	return log.NewNopLogger()
}
