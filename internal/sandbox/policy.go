package sandbox

import "strings"

// SecurityLevel gates whether tool execution is possible at all, before
// the approval-mode check ever runs (stage 1).
type SecurityLevel string

const (
	SecurityDeny      SecurityLevel = "deny"
	SecurityAllowlist SecurityLevel = "allowlist"
	SecurityFull      SecurityLevel = "full"
)

// ApprovalMode controls when an otherwise-permitted command still needs an
// operator's explicit sign-off.
type ApprovalMode string

const (
	ApprovalOff    ApprovalMode = "off"
	ApprovalOnMiss ApprovalMode = "on-miss"
	ApprovalAlways ApprovalMode = "always"
)

// Policy is the effective approval configuration for one session's tool
// calls: security level, approval mode, and the user-configured pattern
// list that on-miss checks against in addition to the frozen safe-bin set.
type Policy struct {
	Security SecurityLevel
	Approval ApprovalMode
	Patterns []string
}

// Decision is the stage-1 outcome for a single command.
type Decision string

const (
	DecisionDeny    Decision = "deny"
	DecisionAllow   Decision = "allow"
	DecisionPending Decision = "pending"
)

// Decide applies the stage-1 policy to command, given the session's
// already-approved command set (commands an operator allowed earlier in
// this session, which persist for its remaining lifetime).
func Decide(policy Policy, command string, sessionApproved map[string]struct{}) Decision {
	if policy.Security == SecurityDeny {
		return DecisionDeny
	}
	if policy.Security == SecurityFull {
		return DecisionAllow
	}
	switch policy.Approval {
	case ApprovalOff:
		return DecisionAllow
	case ApprovalAlways:
		return DecisionPending
	}

	if _, ok := sessionApproved[command]; ok {
		return DecisionAllow
	}
	if bin := firstToken(command); bin != "" && IsSafeBin(bin) {
		return DecisionAllow
	}
	if matchesAny(policy.Patterns, command) {
		return DecisionAllow
	}
	return DecisionPending
}

// firstToken extracts the executable name from a shell command line,
// stripping leading env assignments (FOO=bar cmd ...) and any path
// prefix.
func firstToken(command string) string {
	fields := strings.Fields(command)
	i := 0
	for i < len(fields) && isEnvAssignment(fields[i]) {
		i++
	}
	if i >= len(fields) {
		return ""
	}
	tok := fields[i]
	if idx := strings.LastIndexByte(tok, '/'); idx >= 0 {
		tok = tok[idx+1:]
	}
	return tok
}

func isEnvAssignment(field string) bool {
	eq := strings.IndexByte(field, '=')
	if eq <= 0 {
		return false
	}
	name := field[:eq]
	for i, r := range name {
		if r == '_' || (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') ||
			(i > 0 && r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

// matchesAny reports whether command matches any user pattern: exact
// match, prefix match when the pattern ends in "*", or the bare wildcard.
func matchesAny(patterns []string, command string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if p == "*" {
			return true
		}
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(command, strings.TrimSuffix(p, "*")) {
				return true
			}
			continue
		}
		if p == command {
			return true
		}
	}
	return false
}
