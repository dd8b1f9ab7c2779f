// Package verifier checks artifact bytes against their declared metadata
// and a per-procedure policy. Verification is pure: the same bytes,
// declarations and policy always produce the same Verdict.
package verifier

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"mime"
	"strings"
)

// Reason is a machine-readable cause for an invalid verdict. Reasons are
// always reported in the order the constants are declared.
type Reason string

const (
	ReasonSizeExceeded          Reason = "size_exceeded"
	ReasonSizeMismatch          Reason = "size_mismatch"
	ReasonHashMismatch          Reason = "hash_mismatch"
	ReasonContentTypeNotAllowed Reason = "content_type_not_allowed"
	ReasonEmptyContent          Reason = "empty_content"
	ReasonFormatInvalid         Reason = "format_invalid"
)

// Policy is the set of checks a procedure applies to each artifact.
type Policy struct {
	// MaxSize rejects content larger than this many bytes. Zero disables it.
	MaxSize int64
	// AllowedContentTypes restricts the declared media type. Entries may be
	// exact ("application/json") or wildcard ("text/*"). Empty allows any.
	AllowedContentTypes []string
	// AllowEmpty accepts zero-length content.
	AllowEmpty bool
	// Format requests a structural parse of the content.
	Format Format
	// Filename selects the parser when Format is FormatAuto.
	Filename string
}

// ForFile returns a copy of p bound to filename.
func (p Policy) ForFile(filename string) Policy {
	p.Filename = filename
	p.AllowedContentTypes = append([]string(nil), p.AllowedContentTypes...)
	return p
}

// Verdict is the result of verifying one artifact.
type Verdict struct {
	Valid   bool
	SHA256  string
	Size    int64
	Reasons []Reason
	// Details holds one human-readable line per reason, same order.
	Details []string
	// Format is the parser that ran, or empty when none did.
	Format Format
	// Keys lists top-level keys (or INI sections) of a parsed document.
	Keys     []string
	Warnings []string
}

// Verifier is stateless and safe for concurrent use.
type Verifier struct{}

func New() *Verifier {
	return &Verifier{}
}

// Verify hashes content and applies every check. A negative declaredSize
// means no size was declared; an empty declaredSHA256 skips the hash check.
func (v *Verifier) Verify(content []byte, declaredSize int64, declaredSHA256, contentType string, policy Policy) Verdict {
	sum := sha256.Sum256(content)
	size := int64(len(content))
	verdict := Verdict{
		SHA256: hex.EncodeToString(sum[:]),
		Size:   size,
	}
	fail := func(r Reason, detail string) {
		verdict.Reasons = append(verdict.Reasons, r)
		verdict.Details = append(verdict.Details, detail)
	}

	if policy.MaxSize > 0 && size > policy.MaxSize {
		fail(ReasonSizeExceeded, fmt.Sprintf("size %d exceeds limit %d", size, policy.MaxSize))
	}
	if declaredSize >= 0 && declaredSize != size {
		fail(ReasonSizeMismatch, fmt.Sprintf("declared size %d, actual %d", declaredSize, size))
	}
	if declared := strings.ToLower(strings.TrimSpace(declaredSHA256)); declared != "" && declared != verdict.SHA256 {
		fail(ReasonHashMismatch, fmt.Sprintf("hash mismatch: expected %s, got %s", declared, verdict.SHA256))
	}
	if !contentTypeAllowed(contentType, policy.AllowedContentTypes) {
		fail(ReasonContentTypeNotAllowed, fmt.Sprintf("content type %q not allowed", contentType))
	}
	if size == 0 {
		if !policy.AllowEmpty {
			fail(ReasonEmptyContent, "content is empty")
		}
	} else if policy.Format != FormatNone {
		format := policy.Format
		if format == FormatAuto {
			format = DetectFormat(policy.Filename)
		}
		if format == FormatNone {
			verdict.Warnings = append(verdict.Warnings, fmt.Sprintf("unknown config format for file: %s", policy.Filename))
		} else {
			verdict.Format = format
			keys, err := parse(format, content)
			if err != nil {
				fail(ReasonFormatInvalid, fmt.Sprintf("invalid %s: %v", strings.ToUpper(string(format)), err))
			} else {
				verdict.Keys = keys
			}
		}
	}

	verdict.Valid = len(verdict.Reasons) == 0
	return verdict
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	mediaType := strings.ToLower(strings.TrimSpace(contentType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	if mediaType == "" {
		return false
	}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == mediaType || a == "*/*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(mediaType, prefix+"/") {
			return true
		}
	}
	return false
}
