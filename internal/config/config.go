// Package config lifts the process-wide cxip_env.* environment knobs
// (spec.md §9) into an immutable record passed into endpoint construction.
// Every field here corresponds to a row of the §6 configuration table.
package config

import "time"

// MatchMode selects the RX offload posture (§6 rx_match_mode).
type MatchMode int

const (
	MatchModeHardware MatchMode = iota
	MatchModeSoftware
	MatchModeHybrid
)

// RdzvProto selects which rendezvous variant an endpoint attempts first
// (§6 rdzv_proto, §4.5).
type RdzvProto int

const (
	RdzvProtoDefault RdzvProto = iota
	RdzvProtoAltRead
	RdzvProtoAltWrite
)

// AsicGeneration distinguishes the two hardware drop-count conventions
// documented in §4.7 and resolved against original_source/ in
// SPEC_FULL.md's "drop_count semantics" supplement.
type AsicGeneration int

const (
	AsicGenLegacy AsicGeneration = iota // drop_count starts at -1
	AsicGenCurrent
)

// Env is the immutable configuration record for one endpoint. It is built
// once, typically from defaults overridden by a CLI or environment, and
// never mutated afterwards; every component that needs a knob holds a copy
// of Env rather than reaching into a global.
type Env struct {
	MatchMode MatchMode

	HybridPreemptive           bool
	HybridRecvPreemptive       bool
	HybridUnexpectedMsgPreempt bool
	HybridPostedRecvPreempt    bool

	OflowBufSize      int
	OflowBufMinPosted int
	OflowBufMaxCached int

	ReqBufSize int

	FCRetryDelay time.Duration

	RdzvEagerSize int
	RdzvProto     RdzvProto

	MsgOffload bool

	DisableNonInjectMsgIDC bool

	InjectSize  int
	MaxEagerSize int

	MinMultiRecv int

	MaxTX int

	AsicGen AsicGeneration

	// PostedRecvQueueSize is the "queue size" hybrid_posted_recv_preemptive
	// (§6) compares the live posted-recv count against: the stand-in for
	// the rxc attr size the original implementation preempts against when
	// the application posts more receives than its configured RX queue
	// capacity.
	PostedRecvQueueSize int
}

// Default returns the engine's out-of-the-box configuration, matching the
// reference implementation's compiled-in defaults.
func Default() Env {
	return Env{
		MatchMode:           MatchModeHybrid,
		OflowBufSize:        2 << 20,
		OflowBufMinPosted:   3,
		OflowBufMaxCached:   3,
		ReqBufSize:          2 << 20,
		FCRetryDelay:        100 * time.Microsecond,
		RdzvEagerSize:       2048,
		RdzvProto:           RdzvProtoDefault,
		MsgOffload:          true,
		InjectSize:          256,
		MaxEagerSize:        16 * 1024,
		MinMultiRecv:        64,
		MaxTX:               512,
		AsicGen:             AsicGenCurrent,
		PostedRecvQueueSize: 64,
	}
}
