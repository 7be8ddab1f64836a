// Package audit writes the append-only order audit trail: one CSV row
// per order request and per fill. The file survives restarts; rows from
// different runs are distinguished by run id.
package audit

import (
	"crypto/rand"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/jxskiss/base62"

	"github.com/smohantty/hyperliquid-trading-bot/internal/logger"
)

const fileName = "trades.csv"

var header = []string{
	"timestamp", "run_id", "symbol", "record_type", "side",
	"price", "size", "reduce_only", "cloid", "fee", "notes",
}

// Logger appends REQ and FILL records to trades.csv, creating the file
// and header on first use. Safe for use from multiple goroutines.
type Logger struct {
	mu     sync.Mutex
	file   *os.File
	writer *csv.Writer
	runID  string
}

// NewLogger opens (or creates) <dir>/trades.csv in append mode. runID
// tags every row so records from different runs stay distinguishable in
// the shared file; the same id flows into broadcast info and persisted
// run state.
func NewLogger(dir, runID string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	path := filepath.Join(dir, fileName)
	_, statErr := os.Stat(path)
	fileExisted := statErr == nil

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}

	l := &Logger{
		file:   file,
		writer: csv.NewWriter(file),
		runID:  runID,
	}

	if !fileExisted {
		if err := l.writer.Write(header); err != nil {
			file.Close()
			return nil, fmt.Errorf("writing audit header: %w", err)
		}
		l.writer.Flush()
	}
	return l, nil
}

// RunID identifies this bot run in the audit trail.
func (l *Logger) RunID() string { return l.runID }

// LogRequest records an order intent before submission.
func (l *Logger) LogRequest(symbol, side string, price, size float64, reduceOnly bool, cloid string) {
	l.write("REQ", symbol, side, price, size, reduceOnly, cloid, 0, "")
}

// LogFill records a completed (aggregated) fill.
func (l *Logger) LogFill(symbol, side string, price, size float64, reduceOnly bool, cloid string, fee float64) {
	l.write("FILL", symbol, side, price, size, reduceOnly, cloid, fee, "")
}

func (l *Logger) write(recordType, symbol, side string, price, size float64, reduceOnly bool, cloid string, fee float64, notes string) {
	record := []string{
		time.Now().Format(time.RFC3339),
		l.runID,
		symbol,
		recordType,
		side,
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatFloat(size, 'f', -1, 64),
		strconv.FormatBool(reduceOnly),
		cloid,
		strconv.FormatFloat(fee, 'f', -1, 64),
		notes,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.writer.Write(record); err != nil {
		logger.S().Errorf("Failed to write audit record: %v", err)
		return
	}
	// Flush per record: the audit trail must survive a crash.
	l.writer.Flush()
	if err := l.writer.Error(); err != nil {
		logger.S().Errorf("Failed to flush audit record: %v", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer.Flush()
	return l.file.Close()
}

// NewRunID generates a short base62 identifier for one bot run.
func NewRunID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return base62.EncodeToString(buf[:])
}
