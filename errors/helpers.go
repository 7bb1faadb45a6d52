package errors

import "errors"

// WrapOpComponent wraps err with Op and Component, keeping an existing code.
// If err is nil, returns nil.
func WrapOpComponent(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	var syncErr *SyncError
	if errors.As(err, &syncErr) && syncErr.Code != "" {
		return &SyncError{
			Op:        op,
			Component: component,
			Code:      syncErr.Code,
			Fields:    syncErr.Fields,
			Retryable: syncErr.Retryable,
			Err:       err,
		}
	}
	return &SyncError{Op: op, Component: component, Err: err}
}

// WrapRemote classifies a remote-store failure. Errors that already carry a
// code pass through untouched; anything else becomes REMOTE_UNAVAILABLE.
func WrapRemote(err error, op Operation, component string) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return NewRemoteError(op, component, err)
}

// WrapStorage classifies an on-device storage failure.
func WrapStorage(err error, op Operation) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return NewStorageError(op, err)
}
