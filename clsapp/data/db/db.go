package db

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	StatusRunning   string = "running"
	StatusSucceeded string = "succeeded"
	StatusFailed    string = "failed"
)

// Config DBconn config
type Config struct {
	DriverName string
	ConnInfo   string

	TableName string
}

// DBconn db 연결정보
type DBconn struct {
	DriverName string
	ConnInfo   string

	TableName string

	db *sql.DB
}

// Run 파이프라인 실행 이력
type Run struct {
	ID         string    `json:"id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Epochs     int       `json:"epochs"`
	Loss       float64   `json:"loss"`
	Accuracy   float64   `json:"accuracy"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt,omitempty"`
	Message    string    `json:"message,omitempty"`
}

func (conn *DBconn) createTable() error {
	if _, err := conn.db.Exec(fmt.Sprintf(`CREATE TABLE %s (
		id CHAR(36) NOT NULL PRIMARY KEY,
		stage CHAR(40) NOT NULL,
		status CHAR(20) NOT NULL,
		epochs INT NOT NULL,
		loss DOUBLE NOT NULL,
		accuracy DOUBLE NOT NULL,
		startedAt DATETIME NOT NULL,
		finishedAt DATETIME NULL,
		message VARCHAR(255) NOT NULL);`, conn.TableName)); err != nil {
		return errors.Wrapf(err, "failed to create table %s", conn.TableName)
	}

	return nil
}

func (conn *DBconn) existsTable() bool {
	rows, err := conn.db.Query(fmt.Sprintf("SELECT 1 FROM %s LIMIT 1;", conn.TableName))
	if err != nil {
		return false
	}
	rows.Close()

	return true
}

func (conn *DBconn) initTable() error {
	if !conn.existsTable() {
		klog.Infof("Create DB table: %s", conn.TableName)
		return conn.createTable()
	}

	return nil
}

// Insert 실행 이력 삽입
func (conn *DBconn) Insert(run Run) error {
	_, err := conn.db.Exec(fmt.Sprintf(`INSERT INTO %s (
		id,
		stage,
		status,
		epochs,
		loss,
		accuracy,
		startedAt,
		message) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`, conn.TableName),
		run.ID, run.Stage, run.Status, run.Epochs, run.Loss, run.Accuracy,
		run.StartedAt.UTC(), truncate(run.Message, 255),
	)

	return errors.Wrapf(err, "failed to insert run %s", run.ID)
}

// Finish 실행 결과 갱신
func (conn *DBconn) Finish(id, status string, epochs int, loss, accuracy float64, message string) error {
	res, err := conn.db.Exec(fmt.Sprintf(`UPDATE %s SET
		status = ?,
		epochs = ?,
		loss = ?,
		accuracy = ?,
		finishedAt = ?,
		message = ? WHERE id = ?;`, conn.TableName),
		status, epochs, loss, accuracy, time.Now().UTC(), truncate(message, 255), id,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update run %s", id)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("run %s not found", id)
	}

	return nil
}

// List 최근 실행 이력 반환
func (conn *DBconn) List(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := conn.db.Query(fmt.Sprintf(`SELECT
		id, stage, status, epochs, loss, accuracy, startedAt, finishedAt, message
		FROM %s ORDER BY startedAt DESC LIMIT ?;`, conn.TableName), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		var (
			run      Run
			finished sql.NullTime
		)
		if err := rows.Scan(
			&run.ID, &run.Stage, &run.Status, &run.Epochs, &run.Loss,
			&run.Accuracy, &run.StartedAt, &finished, &run.Message,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		if finished.Valid {
			run.FinishedAt = finished.Time
		}
		runs = append(runs, run)
	}

	return runs, errors.Wrap(rows.Err(), "failed to iterate runs")
}

// Destroy db connection 해제
func (conn *DBconn) Destroy() error {
	return conn.db.Close()
}

// New 새로운 db connection 생성
func New(cfg Config) (*DBconn, error) {
	db, err := sql.Open(cfg.DriverName, cfg.ConnInfo)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", cfg.DriverName)
	}

	conn := &DBconn{
		DriverName: cfg.DriverName,
		ConnInfo:   cfg.ConnInfo,
		TableName:  cfg.TableName,
		db:         db,
	}

	if err := conn.initTable(); err != nil {
		db.Close()
		return nil, err
	}

	return conn, nil
}

// truncate 최대 n 글자. 컬럼 길이는 byte 가 아니라 글자 수
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
