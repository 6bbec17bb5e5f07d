// Copyright 2025 The usbsigner Authors
// This file is part of the usbsigner library.
//
// The usbsigner library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The usbsigner library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the usbsigner library. If not, see <http://www.gnu.org/licenses/>.

package usbwallet

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// The device accepts one in-flight command at a time, and user confirmation
// can hold the transport for a long while. Contending callers therefore poll
// instead of failing: 1200 attempts at 100ms gives them ~120s to get through
// the critical section, while genuine errors still fail on the first attempt.
const (
	retryInterval = 100 * time.Millisecond
	retryAttempts = 1200
)

// ErrorHook lets a caller inspect a failed attempt before the retry decision
// is made. Returning a non-nil error aborts the loop immediately with that
// error, which is how adapters turn a specific low-level failure into a
// domain error without waiting out the busy budget. Returning nil hands the
// failure back to the normal busy classification.
type ErrorHook func(err error) error

// Retrier wraps device operations with bounded busy-polling. It reads the
// device handle through its Session at call time, so initialization that
// completes after construction is still observed.
type Retrier struct {
	session *Session
	hook    ErrorHook

	// Retry policy, overridable in tests.
	interval time.Duration
	attempts int

	log log.Logger
}

// NewRetrier creates a retry executor bound to the given session. The hook
// may be nil.
func NewRetrier(session *Session, hook ErrorHook) *Retrier {
	return &Retrier{
		session:  session,
		hook:     hook,
		interval: retryInterval,
		attempts: retryAttempts,
		log:      log.New("module", "usbwallet"),
	}
}

// Do runs op against the shared device handle, absorbing ErrBusy rejections
// until the operation gets through or the attempt budget is spent. Any other
// failure, including a non-nil hook result, propagates immediately.
func (r *Retrier) Do(ctx context.Context, op func(api DeviceAPI) error) error {
	api, err := r.session.Acquire(ctx)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.interval):
			}
		}
		err = op(api)
		if err == nil {
			return nil
		}
		if r.hook != nil {
			if herr := r.hook(err); herr != nil {
				return herr
			}
		}
		if !errors.Is(err, ErrBusy) {
			return err
		}
		if attempt == 0 {
			r.log.Debug("Device busy, polling for the transport lock")
		}
	}
	return ErrOperationTimeout
}
