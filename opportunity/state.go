// Package opportunity owns the canonical per-RFP durable state: the state
// document, the append-only journal, the append-only explainability event log,
// thread bindings and change proposals. These artifacts are the agent's
// memory; chat history is never trusted as truth.
package opportunity

import (
	"time"
)

type (
	// State is the canonical per-RFP artifact trusted as truth across runs.
	State struct {
		RFPID             string         `json:"rfpId"`
		Stage             string         `json:"stage"`
		Summary           string         `json:"summary"`
		DueDates          map[string]string `json:"dueDates,omitempty"`
		ProposalIDs       []string       `json:"proposalIds,omitempty"`
		ContractingCaseID string         `json:"contractingCaseId,omitempty"`
		// Commitments is add-only. Entries without provenance are never
		// persisted; the policy filter drops them and records a policy check.
		Commitments []Commitment   `json:"commitments,omitempty"`
		Comms       Comms          `json:"comms"`
		Risks       []string       `json:"risks,omitempty"`
		Owners      []string       `json:"owners,omitempty"`
		Meta        map[string]any `json:"meta,omitempty"`
		// Version increments on every mutation.
		Version int `json:"version"`
		// UpdatedAt advances monotonically.
		UpdatedAt time.Time `json:"updatedAt"`
		CreatedAt time.Time `json:"createdAt"`
	}

	// Commitment is a durable promise extracted from conversation. Provenance
	// is mandatory.
	Commitment struct {
		Text       string     `json:"text"`
		Provenance Provenance `json:"provenance"`
		CreatedAt  string     `json:"createdAt,omitempty"`
	}

	// Provenance records where a durable fact came from.
	Provenance struct {
		Source string `json:"source"`
		Ref    string `json:"ref,omitempty"`
	}

	// Comms tracks outbound communication state.
	Comms struct {
		LastChatSummaryAt string `json:"lastChatSummaryAt,omitempty"`
	}

	// Entry is one append-only journal record: the narrative of what changed
	// and why on an opportunity.
	Entry struct {
		RFPID       string         `json:"rfpId"`
		Topics      []string       `json:"topics,omitempty"`
		UserStated  string         `json:"userStated,omitempty"`
		AgentIntent string         `json:"agentIntent,omitempty"`
		WhatChanged string         `json:"whatChanged,omitempty"`
		Why         string         `json:"why,omitempty"`
		Assumptions []string       `json:"assumptions,omitempty"`
		Sources     []string       `json:"sources,omitempty"`
		Meta        map[string]any `json:"meta,omitempty"`
		CreatedAt   time.Time      `json:"createdAt"`
		CreatedBy   string         `json:"createdBy,omitempty"`
	}

	// Event is one append-only machine-grade record of a tool call or policy
	// check.
	Event struct {
		RFPID             string         `json:"rfpId"`
		Type              string         `json:"type"`
		Tool              string         `json:"tool,omitempty"`
		Payload           map[string]any `json:"payload,omitempty"`
		InputsRedacted    map[string]any `json:"inputsRedacted,omitempty"`
		OutputsRedacted   map[string]any `json:"outputsRedacted,omitempty"`
		PolicyChecks      []PolicyCheck  `json:"policyChecks,omitempty"`
		ConfidenceFlags   []string       `json:"confidenceFlags,omitempty"`
		DownstreamEffects []string       `json:"downstreamEffects,omitempty"`
		CorrelationID     string         `json:"correlationId,omitempty"`
		CreatedAt         time.Time      `json:"createdAt"`
	}

	// PolicyCheck records a durable write dropped or altered by the policy
	// filter. Non-fatal.
	PolicyCheck struct {
		Check  string `json:"check"`
		Detail string `json:"detail"`
	}

	// Binding maps a chat thread to an RFP so repeated "which RFP?" prompts
	// are avoided.
	Binding struct {
		ChannelID string    `json:"channelId"`
		ThreadTS  string    `json:"threadTs"`
		RFPID     string    `json:"rfpId"`
		BoundBy   string    `json:"boundBy"`
		BoundAt   time.Time `json:"boundAt"`
	}

	// ChangeProposal is a stored patch plus rationale, the source artifact for
	// a later approval-gated PR.
	ChangeProposal struct {
		ID           string         `json:"id"`
		Title        string         `json:"title"`
		Summary      string         `json:"summary"`
		Patch        string         `json:"patch"`
		FilesTouched []string       `json:"filesTouched,omitempty"`
		RFPID        string         `json:"rfpId,omitempty"`
		CreatedBy    string         `json:"createdBy"`
		Meta         map[string]any `json:"meta,omitempty"`
		CreatedAt    time.Time      `json:"createdAt"`
	}
)

// Patch bound: a stored change-proposal diff is clipped to this many bytes.
const maxProposalPatchBytes = 64 * 1024
