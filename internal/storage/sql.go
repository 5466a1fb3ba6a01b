package storage

import (
	_ "embed"
)

//go:embed schema.sql
var initSchemaSQL string

const (
	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_records_flight_timestamp ON records (flight_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_flight_timestamp ON events (flight_id, timestamp);`

	insertFlightSQL = `
INSERT INTO flights (
                     mode,
                     start_time,
                     config)
VALUES (?, ?, ?)`

	finishFlightSQL = `
UPDATE flights
SET end_time = ?
WHERE
    id = ?`

	selectFlightSQL = `
SELECT
    f.id,
    f.mode,
    f.start_time,
    f.end_time,
    f.config,
    (SELECT COUNT(*) FROM records r WHERE r.flight_id = f.id),
    (SELECT COUNT(*) FROM events e WHERE e.flight_id = f.id)
FROM flights f
WHERE
    f.id = ?`

	selectFlightsSQL = `
SELECT
    f.id,
    f.mode,
    f.start_time,
    f.end_time,
    f.config,
    (SELECT COUNT(*) FROM records r WHERE r.flight_id = f.id),
    (SELECT COUNT(*) FROM events e WHERE e.flight_id = f.id)
FROM flights f
ORDER BY f.start_time`

	insertRecordSQL = `
INSERT INTO records (
                     flight_id,
                     timestamp,
                     state,
                     mode,
                     roll,
                     pitch,
                     yaw,
                     roll_rate,
                     pitch_rate,
                     yaw_rate,
                     stick_roll,
                     stick_pitch,
                     stick_yaw,
                     throttle,
                     motor_1,
                     motor_2,
                     motor_3,
                     motor_4,
                     link_age,
                     sample_age,
                     elapsed,
                     note)
VALUES `

	recordValuesPlaceholder = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"

	selectRecordsSQL = `
SELECT
    timestamp,
    state,
    mode,
    roll,
    pitch,
    yaw,
    roll_rate,
    pitch_rate,
    yaw_rate,
    stick_roll,
    stick_pitch,
    stick_yaw,
    throttle,
    motor_1,
    motor_2,
    motor_3,
    motor_4,
    link_age,
    sample_age,
    elapsed,
    note
FROM records
WHERE
    flight_id = ?
    AND timestamp BETWEEN ? AND ?
ORDER BY timestamp, id`

	selectRecordsTimeRangeSQL = `
SELECT
    COALESCE(MIN(timestamp), 0),
    COALESCE(MAX(timestamp), 0)
FROM records
WHERE
    flight_id = ?`

	insertEventSQL = `
INSERT INTO events (
                    flight_id,
                    timestamp,
                    kind,
                    from_state,
                    to_state,
                    reason,
                    detail)
VALUES (?, ?, ?, ?, ?, ?, ?)`

	selectEventsSQL = `
SELECT
    timestamp,
    kind,
    from_state,
    to_state,
    reason,
    detail
FROM events
WHERE
    flight_id = ?
ORDER BY timestamp, id`
)
