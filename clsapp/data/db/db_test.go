package db

import (
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CLS_TEST_DSN 예: user1:password1@tcp(db:3306)/cls_db?parseTime=true
func testDSN(t *testing.T) string {
	dsn := os.Getenv("CLS_TEST_DSN")
	if dsn == "" {
		t.Skip("CLS_TEST_DSN not set")
	}
	return dsn
}

func TestDB(t *testing.T) {
	driverName := "mysql"
	connInfo := testDSN(t)
	tableName := "test_run_tab"

	conn, err := New(Config{
		DriverName: driverName,
		ConnInfo:   connInfo,
		TableName:  tableName,
	})
	require.NoError(t, err)
	defer conn.Destroy()

	db, err := sql.Open(driverName, connInfo)
	require.NoError(t, err)
	defer db.Close()
	defer func() {
		_, err := db.Exec(fmt.Sprintf("DROP TABLE %s;", tableName))
		assert.NoError(t, err)
	}()

	run := Run{
		ID:        uuid.New().String(),
		Stage:     "all",
		Status:    StatusRunning,
		Epochs:    1,
		StartedAt: time.Now(),
	}
	require.NoError(t, conn.Insert(run))
	require.NoError(t, conn.Finish(run.ID, StatusSucceeded, 3, 0.31, 0.88, "done"))
	require.Error(t, conn.Finish(uuid.New().String(), StatusFailed, 0, 0, 0, ""))

	runs, err := conn.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
	assert.Equal(t, StatusSucceeded, runs[0].Status)
	assert.Equal(t, 3, runs[0].Epochs)
	assert.InDelta(t, 0.88, runs[0].Accuracy, 1e-9)
	assert.False(t, runs[0].FinishedAt.IsZero())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "학습", truncate("학습 실패", 2))
	assert.True(t, utf8.ValidString(truncate("오류: 모델 없음", 4)))
}
