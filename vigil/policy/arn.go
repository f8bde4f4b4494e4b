// File: arn.go
package policy

import (
	"regexp"
	"strings"
)

var servicePrincipalRe = regexp.MustCompile(`^[a-z0-9.-]+\.amazonaws\.com(\.cn)?$`)

// ARN is a parsed Amazon Resource Name. ServicePrincipal is set when the
// value was a service domain like "lambda.amazonaws.com" rather than an
// ARN; Parsed is false when the value was neither.
type ARN struct {
	Partition string
	Service   string
	Region    string
	Account   string
	Resource  string

	Root             bool
	ServicePrincipal bool
	Parsed           bool
}

// ParseARN parses an ARN or a service principal domain.
func ParseARN(value string) ARN {
	if servicePrincipalRe.MatchString(strings.ToLower(value)) {
		return ARN{ServicePrincipal: true, Parsed: true}
	}
	parts := strings.SplitN(value, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" {
		return ARN{}
	}
	arn := ARN{
		Partition: parts[1],
		Service:   parts[2],
		Region:    parts[3],
		Account:   parts[4],
		Resource:  parts[5],
		Parsed:    true,
	}
	arn.Root = arn.Resource == "root"
	return arn
}

// Name returns the bare resource name. For s3 that is the bucket, e.g.
// "bucket" from "arn:aws:s3:::bucket/key"; for typed resources such as
// "role/MyRole" it is the last path element.
func (a ARN) Name() string {
	if a.Service == "s3" {
		return strings.SplitN(a.Resource, "/", 2)[0]
	}
	if idx := strings.LastIndex(a.Resource, "/"); idx >= 0 {
		return a.Resource[idx+1:]
	}
	return a.Resource
}
