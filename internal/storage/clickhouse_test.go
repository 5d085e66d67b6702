package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBatch struct {
	driver.Batch
	rows      [][]any
	appendErr error
	sent      bool
	aborted   bool
}

func (b *fakeBatch) Append(v ...any) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	b.rows = append(b.rows, v)
	return nil
}

func (b *fakeBatch) Send() error {
	b.sent = true
	return nil
}

func (b *fakeBatch) Abort() error {
	b.aborted = true
	return nil
}

type fakeConn struct {
	driver.Conn
	execs   []string
	queries []string
	batch   *fakeBatch
}

func (c *fakeConn) Exec(_ context.Context, query string, _ ...any) error {
	c.execs = append(c.execs, query)
	return nil
}

func (c *fakeConn) PrepareBatch(_ context.Context, query string, _ ...driver.PrepareBatchOption) (driver.Batch, error) {
	c.queries = append(c.queries, query)
	if c.batch == nil {
		return nil, errors.New("no batch")
	}
	return c.batch, nil
}

func TestClickHouseInsertSendsOneBlock(t *testing.T) {
	conn := &fakeConn{batch: &fakeBatch{}}
	s := NewClickHouseStore(conn, "meter_readings", zap.NewNop())

	require.NoError(t, s.InsertReadings(context.Background(), "M1", readings("M1", "total_energy", "voltage")))

	require.Len(t, conn.queries, 1)
	assert.Contains(t, conn.queries[0], "INSERT INTO meter_readings")
	assert.NotContains(t, conn.queries[0], "synced")
	require.Len(t, conn.batch.rows, 2)
	assert.Equal(t, "M1", conn.batch.rows[0][0])
	assert.Equal(t, "voltage", conn.batch.rows[1][1])
	assert.True(t, conn.batch.sent)
}

func TestClickHouseAppendFailureAborts(t *testing.T) {
	conn := &fakeConn{batch: &fakeBatch{appendErr: errors.New("bad column")}}
	s := NewClickHouseStore(conn, "meter_readings", zap.NewNop())

	err := s.InsertReadings(context.Background(), "M1", readings("M1", "a"))

	assert.ErrorContains(t, err, "bad column")
	assert.True(t, conn.batch.aborted)
	assert.False(t, conn.batch.sent)
}

func TestClickHouseInitSchema(t *testing.T) {
	conn := &fakeConn{}
	s := NewClickHouseStore(conn, "meter_readings", zap.NewNop())

	require.NoError(t, s.InitSchema(context.Background()))
	require.Len(t, conn.execs, 1)
	assert.Contains(t, conn.execs[0], "CREATE TABLE IF NOT EXISTS meter_readings")
	assert.Contains(t, conn.execs[0], "synced      UInt8 DEFAULT 0")
}
