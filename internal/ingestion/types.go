// Package ingestion drives a tool-using language-model agent through album
// identification, track mapping, and conversion of an uploaded batch of
// audio files. The workflow state machine is resumable, reviewable, and
// cancellable; each step persists a snapshot so a restart can pick up where
// it left off.
package ingestion

import (
	"time"

	"catalogd/internal/ingestion/llm"
)

// StateKind names a WorkflowState variant.
type StateKind string

const (
	StateStarted        StateKind = "started"
	StateThinking       StateKind = "thinking"
	StateExecutingTools StateKind = "executing_tools"
	StateAwaitingReview StateKind = "awaiting_review"
	StateReadyToExecute StateKind = "ready_to_execute"
	StateExecuting      StateKind = "executing"
	StateCompleted      StateKind = "completed"
	StateFailed         StateKind = "failed"
)

// ReviewOption is one choice offered to a human reviewer.
type ReviewOption struct {
	ID    string
	Label string
}

// PendingAction is the action a ReadyToExecute state hands to the caller.
type PendingAction struct {
	Name      string
	Arguments map[string]any
}

// WorkflowState is a tagged union over the workflow's eight states. Only
// the fields relevant to Kind are meaningful; the rest are zero.
type WorkflowState struct {
	Kind StateKind

	PendingToolCalls []llm.ToolCall // ExecutingTools

	ReviewQuestion string         // AwaitingReview
	ReviewOptions  []ReviewOption // AwaitingReview
	SelectedOption string         // AwaitingReview, once answered

	Action *PendingAction // ReadyToExecute

	Result string // Completed

	Error       string // Failed
	Recoverable bool   // Failed
}

// Workflow is the persisted state of one agentic run: the conversation so
// far, the current state, and bookkeeping for the iteration cap.
type Workflow struct {
	ID             string
	JobID          string
	Messages       []llm.Message
	State          WorkflowState
	IterationCount int
	MaxIterations  int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// MatchSource names how a file-to-track mapping was established.
type MatchSource string

const (
	MatchAgent           MatchSource = "agent"
	MatchHumanReview     MatchSource = "human_review"
	MatchDownloadRequest MatchSource = "download_request"
	MatchFingerprint     MatchSource = "fingerprint"
)

// TicketType grades the quality of a completed mapping, per the
// fingerprint match quality bands.
type TicketType string

const (
	TicketSuccess TicketType = "success"
	TicketReview  TicketType = "review"
	TicketFailure TicketType = "failure"
)

// ClassifyTicket grades a mapping by the fraction of tracks matched and the
// largest per-track duration delta observed among matched tracks.
func ClassifyTicket(matchedFraction float64, maxDurationDeltaSeconds float64) TicketType {
	switch {
	case matchedFraction >= 1.0 && maxDurationDeltaSeconds < 1.0:
		return TicketSuccess
	case matchedFraction >= 0.90:
		return TicketReview
	default:
		return TicketFailure
	}
}

// JobStatus is an IngestionJob's lifecycle stage.
type JobStatus string

const (
	JobPending           JobStatus = "pending"
	JobAnalyzing         JobStatus = "analyzing"
	JobIdentifyingAlbum  JobStatus = "identifying_album"
	JobAwaitingReview    JobStatus = "awaiting_review"
	JobMappingTracks     JobStatus = "mapping_tracks"
	JobConverting        JobStatus = "converting"
	JobCompleted         JobStatus = "completed"
	JobFailed            JobStatus = "failed"
)

// ConversionReason explains why a file was (or was not) transcoded.
type ConversionReason string

const (
	ConversionTranscoded    ConversionReason = "transcoded"
	ConversionWithinTolerance ConversionReason = "within_tolerance"
)

// IngestionFile is one uploaded audio file tracked through the lifecycle.
// Per-file errors are stored here and never abort the parent job.
type IngestionFile struct {
	ID                 string
	JobID              string
	SourcePath          string
	DurationSeconds    float64
	Codec              string
	BitrateKbps        int
	Tags               map[string]string
	MatchedTrackID     *string
	MatchSource        *MatchSource
	DurationDeltaSecs  *float64
	ConversionReason   *ConversionReason
	ErrorMessage       *string
}

// AlbumMetadataSummary is what the agent is given to identify the album
// an uploaded batch belongs to.
type AlbumMetadataSummary struct {
	FileCount       int
	TotalDuration   float64
	CommonTags      map[string]string
	TrackTitleHints []string
}

// IngestionJob is one upload batch moving through Pending..Completed.
type IngestionJob struct {
	ID           string
	Status       JobStatus
	WorkflowID   *string
	AlbumID      *string
	TicketType   *TicketType
	ErrorMessage *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
