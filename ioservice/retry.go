/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package ioservice

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// VBucketBackOff implements backoff.BackOff with the exact retry schedule
// spec §4.4 mandates: VBucketRetrySleepTime · 2^attempt, capped by the
// operation's overall deadline. Exported so the Bucket Facade's NotMyVBucket
// retry loop (which owns re-resolution against a refreshed topology, not
// just the raw socket retry the IO Service itself would do) can drive the
// same schedule via backoff.Retry.
type VBucketBackOff struct {
	base     time.Duration
	attempt  int
	deadline time.Time
}

// NewVBucketBackOff builds the backoff.BackOff a retry loop drives via
// backoff.Retry.
func NewVBucketBackOff(base time.Duration, deadline time.Time) backoff.BackOff {
	return &VBucketBackOff{base: base, deadline: deadline}
}

func (b *VBucketBackOff) NextBackOff() time.Duration {
	if !b.deadline.IsZero() && time.Now().After(b.deadline) {
		return backoff.Stop
	}

	wait := b.base * time.Duration(1<<uint(b.attempt))
	b.attempt++

	if !b.deadline.IsZero() {
		if remaining := time.Until(b.deadline); wait > remaining {
			if remaining <= 0 {
				return backoff.Stop
			}
			wait = remaining
		}
	}

	return wait
}

func (b *VBucketBackOff) Reset() {
	b.attempt = 0
}
