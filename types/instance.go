// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// InstanceID identifies a known remote (or the local) server instance.
type InstanceID int64

// BlockSource records who applied a block, so that a block is only
// lifted by whoever applied it.
type BlockSource string

const (
	// BlockManual is a block applied by an administrator.
	BlockManual BlockSource = "manual"
	// BlockBlocklist is a block applied from the blocklist file.
	BlockBlocklist BlockSource = "blocklist"
)

// Instance is a federated server known to this node.
type Instance struct {
	ID             InstanceID  `json:"id"`
	Domain         string      `json:"domain"`
	Software       string      `json:"software,omitempty"`
	Version        string      `json:"version,omitempty"`
	Blocked        bool        `json:"blocked"`
	BlockExpiresAt *time.Time  `json:"block_expires_at,omitempty"`
	BlockSource    BlockSource `json:"block_source,omitempty"`
	Dead           bool        `json:"dead"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// SharedInbox returns the shared inbox URL of the instance.
func (i Instance) SharedInbox() string {
	return "https://" + i.Domain + "/inbox"
}

// Live reports whether the instance should have a delivery worker.
func (i Instance) Live() bool {
	return !i.Blocked && !i.Dead
}

// FederationQueueState is the persisted delivery cursor of one instance.
// LastSuccessfulID never decreases and is the resume point after a restart.
type FederationQueueState struct {
	InstanceID                InstanceID `json:"instance_id"`
	LastSuccessfulID          ActivityID `json:"last_successful_id"`
	FailCount                 int        `json:"fail_count"`
	LastRetryAt               time.Time  `json:"last_retry_at"`
	LastSuccessfulPublishedAt time.Time  `json:"last_successful_published_time_at"`
}
