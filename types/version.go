package types

// Version is the canonical project version.
// The agent binary, the status wire shape and the journal records share
// this version per the lockstep versioning policy.
const Version = "0.4.0"

// WireVersion is the version stamped on every status update and journal
// record. It moves in lockstep with Version.
const WireVersion = Version
