package store

import (
	"context"
	"database/sql"
)

// SessionStats summarizes a session's samples. Distance assumes one
// sample per second, so each km/h reading covers speed/3600 km.
func (s *Store) SessionStats(ctx context.Context, id int64) (Stats, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	from, to := sessionWindow(sess)

	var (
		st                       = Stats{Session: id}
		avgSpeed, avgRPM, avgThr sql.NullFloat64
		maxSpeed, maxRPM         sql.NullInt64
		maxThr                   sql.NullFloat64
		sumSpeed                 sql.NullInt64
		last                     sql.NullInt64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), AVG(speed), MAX(speed), AVG(rpm), MAX(rpm),
		       AVG(throttle), MAX(throttle), SUM(speed), MAX(ts_ms)
		FROM samples WHERE ts_ms >= ? AND ts_ms < ?`, from, to).
		Scan(&st.Samples, &avgSpeed, &maxSpeed, &avgRPM, &maxRPM, &avgThr, &maxThr, &sumSpeed, &last)
	if err != nil {
		return Stats{}, readErr(err)
	}

	st.AvgSpeed = avgSpeed.Float64
	st.MaxSpeed = int(maxSpeed.Int64)
	st.AvgRPM = avgRPM.Float64
	st.MaxRPM = int(maxRPM.Int64)
	st.AvgThrottle = avgThr.Float64
	st.MaxThrottle = maxThr.Float64
	st.DistanceKm = float64(sumSpeed.Int64) / 3600

	switch {
	case sess.End != nil:
		st.DurationSec = sess.End.Sub(sess.Start).Seconds()
	case last.Valid:
		st.DurationSec = fromMillis(last.Int64).Sub(sess.Start).Seconds()
	}
	return st, nil
}
