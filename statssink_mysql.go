// Copyright (c) 2023 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStatsSink persists PeerSample rows to a MySQL table (§4.14, grounded
// on vzex-dog-tunnel's database/sql + go-sql-driver/mysql usage). Record is
// fire-and-forget: errors are logged through the supplied Logger rather than
// returned, since StatsSink.Record must not block or fail the caller.
type MySQLStatsSink struct {
	db     *sql.DB
	table  string
	logger Logger
}

// OpenMySQLStatsSink opens a MySQL connection pool (dsn is a standard
// go-sql-driver/mysql DSN) and ensures the destination table exists.
func OpenMySQLStatsSink(ctx context.Context, dsn, table string, logger Logger) (*MySQLStatsSink, error) {
	if table == "" {
		table = "rnet_peer_samples"
	}
	if logger == nil {
		logger = DefaultLogger
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		peer_id INT UNSIGNED NOT NULL,
		state TINYINT NOT NULL,
		rtt INT UNSIGNED NOT NULL,
		rtt_variance INT UNSIGNED NOT NULL,
		packet_throttle INT UNSIGNED NOT NULL,
		packets_sent INT UNSIGNED NOT NULL,
		packets_lost INT UNSIGNED NOT NULL,
		incoming_data_total INT UNSIGNED NOT NULL,
		outgoing_data_total INT UNSIGNED NOT NULL
	)`, table)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &MySQLStatsSink{db: db, table: table, logger: logger}, nil
}

func (s *MySQLStatsSink) Record(sample PeerSample) {
	query := fmt.Sprintf(`INSERT INTO %s
		(peer_id, state, rtt, rtt_variance, packet_throttle, packets_sent, packets_lost, incoming_data_total, outgoing_data_total)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	if _, err := s.db.Exec(query,
		sample.PeerID, int(sample.State), sample.RTT, sample.RTTVariance, sample.PacketThrottle,
		sample.PacketsSent, sample.PacketsLost, sample.IncomingDataTotal, sample.OutgoingDataTotal,
	); err != nil {
		s.logger.Errorf("stats sink: insert sample for peer %d: %v", sample.PeerID, err)
	}
}

// Close releases the underlying connection pool.
func (s *MySQLStatsSink) Close() error { return s.db.Close() }
