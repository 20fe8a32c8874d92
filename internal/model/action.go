package model

import "time"

// A Property is one entry of an Action's ordered platform-properties map.
// Order matters: it participates in the action digest and is how the
// scheduler's dispatch layer (internal/dispatch) matches actions to
// execution endpoints.
type Property struct {
	Name  string
	Value string
}

// An Action is a deterministic unit of work: a command with a fixed input
// tree, environment and declared outputs (spec §3).
type Action struct {
	// Command is the ordered argument vector; Command[0] is the program.
	Command []string
	// Env is the unordered environment mapping. Canonicalised (sorted by
	// key) before being folded into the action digest.
	Env map[string]string
	// InputRootDigest is the digest of a Tree containing every input file
	// at its expected path.
	InputRootDigest Digest
	// OutputFiles and OutputDirs are sorted, root-relative output paths.
	OutputFiles []string
	OutputDirs  []string
	// PlatformProperties is used for executor selection (internal/dispatch).
	PlatformProperties []Property
	// Timeout is the wall-clock budget for this action; zero means "use
	// the engine's configured default".
	Timeout time.Duration
	// DoNotCache suppresses both AC lookup and AC write for this action.
	DoNotCache bool
}

// PropertyValue returns the value of the named platform property, and
// whether it was present. Used by the supplemented resource-weighting
// feature ("resources:cpu").
func (a *Action) PropertyValue(name string) (string, bool) {
	for _, p := range a.PlatformProperties {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// ExecutionMetadata records timing information about one execution, as
// reported by whichever Execution API implementation ran the action.
type ExecutionMetadata struct {
	Worker               string
	QueuedAt             time.Time
	WorkerStartAt        time.Time
	WorkerCompletedAt    time.Time
	InputFetchStartAt    time.Time
	InputFetchCompleted  time.Time
	ExecutionStartAt     time.Time
	ExecutionCompletedAt time.Time
	OutputUploadStartAt  time.Time
	OutputUploadComplete time.Time
}

// An ActionResult is the outcome of running an Action: its exit code,
// captured stdout/stderr (as CAS digests) and the digests of its declared
// outputs (spec §3).
type ActionResult struct {
	ExitCode int32

	StdoutDigest Digest
	StderrDigest Digest

	// OutputFileDigests and OutputDirDigests are keyed by the declared
	// output path exactly as it appeared in Action.OutputFiles/OutputDirs.
	OutputFileDigests map[string]Digest
	OutputDirDigests  map[string]Digest
	// OutputSymlinks maps a declared output path to the symlink target
	// string, for outputs that turned out to be symlinks.
	OutputSymlinks map[string]string

	// Cached is true when this result came from a cache lookup rather than
	// a fresh execution.
	Cached bool

	ExecutionMetadata ExecutionMetadata
}

// VerifyOutputs checks that every output file/dir the Action declared is
// present in the result, per spec §3 ("The engine verifies that every
// declared output file/dir is present in an ActionResult before accepting
// it"). It returns the first missing path, or "" if all are present.
func (r *ActionResult) VerifyOutputs(a *Action) string {
	for _, f := range a.OutputFiles {
		if _, ok := r.OutputFileDigests[f]; ok {
			continue
		}
		if _, ok := r.OutputSymlinks[f]; ok {
			continue
		}
		return f
	}
	for _, d := range a.OutputDirs {
		if _, ok := r.OutputDirDigests[d]; ok {
			continue
		}
		if _, ok := r.OutputSymlinks[d]; ok {
			continue
		}
		return d
	}
	return ""
}
