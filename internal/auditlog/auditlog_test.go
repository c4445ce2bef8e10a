package auditlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestCoordinatorWriterWritesHeaderOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")
	w, err := OpenCoordinator(path)
	require.NoError(t, err)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, w.Write(CoordinatorRow{Path: "/a/clip.mp3", TaskID: "abc123", IP: "10.0.0.1", At: at}))
	require.NoError(t, w.Close())

	w2, err := OpenCoordinator(path)
	require.NoError(t, err)
	require.NoError(t, w2.Write(CoordinatorRow{Path: "/b/clip.mp3", TaskID: "def456", IP: "10.0.0.2", At: at, ErrorMsg: "boom"}))
	require.NoError(t, w2.Close())

	rows := readAll(t, path)
	require.Equal(t, []string{"filepath", "fileid", "ip", "datetime", "error"}, rows[0])
	require.Len(t, rows, 3)
	require.Equal(t, "abc123", rows[1][1])
	require.Equal(t, "boom", rows[2][4])
}

func TestWorkerWriterLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed.csv")
	w, err := OpenWorker(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(WorkerRow{
		TaskID: "abc123", Language: "en", TimeTaken: 2 * time.Second,
		AudioMinutes: 1.5, Status: "success",
	}))
	require.NoError(t, w.Close())

	rows := readAll(t, path)
	require.Equal(t, []string{"file_id", "language", "time_taken", "audio_minutes", "status", "reason"}, rows[0])
	require.Equal(t, "1.500", rows[1][3])
	require.Equal(t, "success", rows[1][4])
}
