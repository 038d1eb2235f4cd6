// Package protocol holds the wire contract between the build master and its
// workers: file caching by content hash, build start, status reports and
// file retrieval.
package protocol

import "fmt"

// BuilderStatus is the worker's overall state.
type BuilderStatus string

const (
	BuilderIdle     BuilderStatus = "IDLE"
	BuilderBuilding BuilderStatus = "BUILDING"
	BuilderWaiting  BuilderStatus = "WAITING"
	BuilderAborting BuilderStatus = "ABORTING"
)

// BuildStatus is the terminal classification of one build attempt. It is
// only meaningful while the worker is WAITING.
type BuildStatus string

const (
	BuildOK          BuildStatus = "OK"
	BuildDepFail     BuildStatus = "DEPFAIL"
	BuildGivenBack   BuildStatus = "GIVENBACK"
	BuildPackageFail BuildStatus = "PACKAGEFAIL"
	BuildBuilderFail BuildStatus = "BUILDERFAIL"
	BuildChrootFail  BuildStatus = "CHROOTFAIL"
	BuildAborted     BuildStatus = "ABORTED"
)

// Known reports whether s is part of the protocol.
func (s BuildStatus) Known() bool {
	switch s {
	case BuildOK, BuildDepFail, BuildGivenBack, BuildPackageFail, BuildBuilderFail, BuildChrootFail, BuildAborted:
		return true
	}
	return false
}

// Build tool exit codes.
const (
	ExitOK          = 0
	ExitDepFail     = 1
	ExitGivenBack   = 2
	ExitPackageFail = 3
	ExitBuilderFail = 4
)

// StatusForExitCode maps a build tool exit code to its classification.
// Codes of 4 and above, and negative codes from killed processes, are
// builder failures.
func StatusForExitCode(code int) BuildStatus {
	switch code {
	case ExitOK:
		return BuildOK
	case ExitDepFail:
		return BuildDepFail
	case ExitGivenBack:
		return BuildGivenBack
	case ExitPackageFail:
		return BuildPackageFail
	default:
		return BuildBuilderFail
	}
}

// BuildLogKey names the build log in GetFile calls.
const BuildLogKey = "buildlog"

// CacheRequest asks the worker to fetch url into its content cache.
type CacheRequest struct {
	URL  string `json:"url"`
	Hash string `json:"hash"`
}

// CacheResponse reports whether the file was already present.
type CacheResponse struct {
	Present bool `json:"present"`
}

// BuildRequest starts a build. Files maps input filenames to content hashes
// already in the worker's cache.
type BuildRequest struct {
	Cookie      string            `json:"cookie"`
	BuilderType string            `json:"builder_type"`
	ChrootHash  string            `json:"chroot_hash"`
	Files       map[string]string `json:"files"`
	Args        map[string]string `json:"args,omitempty"`
}

// Validate checks the request carries what a worker needs to start.
func (r BuildRequest) Validate() error {
	if r.Cookie == "" {
		return fmt.Errorf("build request: cookie is required")
	}
	if r.ChrootHash == "" {
		return fmt.Errorf("build request: chroot hash is required")
	}
	for name, hash := range r.Files {
		if name == "" || hash == "" {
			return fmt.Errorf("build request: file entry %q has no hash", name)
		}
	}
	return nil
}

// StatusResponse is the worker's answer to a status call.
type StatusResponse struct {
	BuilderStatus BuilderStatus     `json:"builder_status"`
	BuildStatus   BuildStatus       `json:"build_status,omitempty"`
	Cookie        string            `json:"cookie,omitempty"`
	Files         map[string]string `json:"files,omitempty"`
	Dependencies  string            `json:"dependencies,omitempty"`
	LogTail       string            `json:"logtail,omitempty"`
}

// ErrorResponse is the JSON body of a failed call.
type ErrorResponse struct {
	Error string `json:"error"`
}
