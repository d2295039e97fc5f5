package syncer

import "fmt"

// NoDataInRangeError marks a chunk whose download held only the header.
// It never aborts a run.
type NoDataInRangeError struct {
	Start int64
	End   int64
}

func (e *NoDataInRangeError) Error() string {
	return fmt.Sprintf("no data returned for %d-%d (likely outside device history retention)", e.Start, e.End)
}

// UnsupportedDeviceError means the device has no bulk history. Callers
// report it as skipped, not failed.
type UnsupportedDeviceError struct {
	DeviceKey string
}

func (e *UnsupportedDeviceError) Error() string {
	return fmt.Sprintf("device %s has no history support", e.DeviceKey)
}

// PersistenceError aborts a device run without advancing its cursor.
type PersistenceError struct {
	DeviceKey string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.DeviceKey, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
