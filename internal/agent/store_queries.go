package agent

import (
	"context"
	"database/sql"
	"fmt"
)

// --- Identity ---

func (s *Store) LoadDevices(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT int_id, device FROM devices`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make(map[string]int64)
	for rows.Next() {
		var id int64
		var device string
		if err := rows.Scan(&id, &device); err != nil {
			return nil, err
		}
		devices[device] = id
	}
	return devices, rows.Err()
}

func (s *Store) LoadChannels(ctx context.Context) (map[Channel]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT int_id, device, control FROM channels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make(map[Channel]int64)
	for rows.Next() {
		var id int64
		var ch Channel
		if err := rows.Scan(&id, &ch.Device, &ch.Control); err != nil {
			return nil, err
		}
		channels[ch] = id
	}
	return channels, rows.Err()
}

func (s *Store) LoadGroups(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT int_id, group_id FROM groups`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string]int64)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		groups[name] = id
	}
	return groups, rows.Err()
}

func (s *Store) InsertDevice(ctx context.Context, device string) (int64, error) {
	st, err := s.stmt(`INSERT INTO devices (device) VALUES (?)`)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, device)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertChannel(ctx context.Context, ch Channel) (int64, error) {
	st, err := s.stmt(`INSERT INTO channels (device, control) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, ch.Device, ch.Control)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) InsertGroup(ctx context.Context, name string) (int64, error) {
	st, err := s.stmt(`INSERT INTO groups (group_id) VALUES (?)`)
	if err != nil {
		return 0, err
	}
	res, err := st.ExecContext(ctx, name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// --- Counters ---

// CountByChannel reports stored rows per channel id. COUNT queries are too
// slow for the insert path, so this seeds in-memory counters at startup.
func (s *Store) CountByChannel(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, COUNT(*) FROM data WHERE channel IS NOT NULL GROUP BY channel`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// CountByGroup reports stored rows per group id.
func (s *Store) CountByGroup(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, COUNT(*) FROM data WHERE group_id IS NOT NULL GROUP BY group_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int64)
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

// --- Samples ---

func (s *Store) InsertSample(ctx context.Context, deviceID, channelID int64, value string, timestamp float64, groupID int64) error {
	st, err := s.stmt(`INSERT INTO data (device, channel, value, timestamp, group_id) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	if _, err := st.ExecContext(ctx, deviceID, channelID, value, timestamp, groupID); err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	return nil
}

// EvictChannel deletes the n oldest rows of a channel and reports how many
// of the deleted rows belonged to each group, so group counters can be
// adjusted. The subquery selects victims by uid; RETURNING makes the
// delete and the breakdown one atomic statement.
func (s *Store) EvictChannel(ctx context.Context, channelID, n int64) (map[int64]int64, error) {
	st, err := s.stmt(
		`DELETE FROM data WHERE uid IN
			(SELECT uid FROM data WHERE channel = ? ORDER BY uid ASC LIMIT ?)
		 RETURNING group_id`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, channelID, n)
	if err != nil {
		return nil, fmt.Errorf("evict channel %d: %w", channelID, err)
	}
	defer rows.Close()

	deleted := make(map[int64]int64)
	for rows.Next() {
		var groupID sql.NullInt64
		if err := rows.Scan(&groupID); err != nil {
			return nil, err
		}
		if groupID.Valid {
			deleted[groupID.Int64]++
		}
	}
	return deleted, rows.Err()
}

// EvictGroup deletes the n oldest rows of a group and reports how many of
// the deleted rows belonged to each channel.
func (s *Store) EvictGroup(ctx context.Context, groupID, n int64) (map[int64]int64, error) {
	st, err := s.stmt(
		`DELETE FROM data WHERE uid IN
			(SELECT uid FROM data WHERE group_id = ? ORDER BY uid ASC LIMIT ?)
		 RETURNING channel`)
	if err != nil {
		return nil, err
	}
	rows, err := st.QueryContext(ctx, groupID, n)
	if err != nil {
		return nil, fmt.Errorf("evict group %d: %w", groupID, err)
	}
	defer rows.Close()

	deleted := make(map[int64]int64)
	for rows.Next() {
		var channelID sql.NullInt64
		if err := rows.Scan(&channelID); err != nil {
			return nil, err
		}
		if channelID.Valid {
			deleted[channelID.Int64]++
		}
	}
	return deleted, rows.Err()
}

// SelectSamples returns matching rows ordered by uid. When f.Limit >= 0 it
// fetches one extra row to learn whether more remain; the second return
// reports that. Down-sampling groups rows into min_interval buckets and
// keeps one arbitrary row per bucket.
func (s *Store) SelectSamples(ctx context.Context, f SampleFilter) ([]SampleRow, bool, error) {
	query := `SELECT uid, device, channel, value, (timestamp - 2440587.5) * 86400.0 FROM data WHERE (0`
	args := make([]any, 0, len(f.ChannelIDs)+5)
	for _, id := range f.ChannelIDs {
		query += ` OR channel = ?`
		args = append(args, id)
	}
	query += `) AND timestamp > ? AND timestamp < ? AND uid > ?`
	args = append(args, julian(f.Gt), julian(f.Lt), f.UIDGt)
	if f.MinIntervalMs > 0 {
		query += ` GROUP BY ROUND(timestamp * ?)`
		args = append(args, 86400000.0/float64(f.MinIntervalMs))
	}
	query += ` ORDER BY uid ASC LIMIT ?`
	if f.Limit >= 0 {
		args = append(args, f.Limit+1)
	} else {
		args = append(args, -1)
	}

	st, err := s.stmt(query)
	if err != nil {
		return nil, false, err
	}
	rows, err := st.QueryContext(ctx, args...)
	if err != nil {
		return nil, false, fmt.Errorf("select samples: %w", err)
	}
	defer rows.Close()

	var result []SampleRow
	for rows.Next() {
		var r SampleRow
		var deviceID, channelID sql.NullInt64
		if err := rows.Scan(&r.UID, &deviceID, &channelID, &r.Value, &r.Timestamp); err != nil {
			return nil, false, err
		}
		r.DeviceID = deviceID.Int64
		r.ChannelID = channelID.Int64
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	if f.Limit >= 0 && len(result) > f.Limit {
		return result[:f.Limit], true, nil
	}
	return result, false, nil
}
