package sandbox

// SafeBins is the frozen set of read-only POSIX utilities that bypass
// approval under the on-miss approval mode. Membership is
// policy, not protocol, but changing it is still a wire-visible change:
// the connect handshake reports the list length as `features.safeBins`
// in hello-ok, so clients can detect a stale cache of what auto-approves.
var SafeBins = map[string]struct{}{
	"cat": {}, "head": {}, "tail": {}, "wc": {}, "sort": {}, "uniq": {},
	"grep": {}, "egrep": {}, "fgrep": {}, "echo": {}, "ls": {}, "stat": {},
	"sha1sum": {}, "sha256sum": {}, "sha512sum": {}, "md5sum": {},
	"jq": {}, "yq": {}, "find": {}, "which": {}, "whoami": {}, "id": {},
	"pwd": {}, "date": {}, "env": {}, "printenv": {}, "basename": {},
	"dirname": {}, "realpath": {}, "readlink": {}, "file": {}, "du": {},
	"df": {}, "ps": {}, "uptime": {}, "uname": {}, "hostname": {},
	"diff": {}, "cmp": {}, "cut": {}, "tr": {}, "awk": {}, "sed": {},
	"tree": {}, "xxd": {}, "od": {}, "base64": {}, "git": {}, "go": {},
	"node": {}, "python3": {}, "python": {}, "npm": {}, "pip": {},
	"curl": {}, "less": {}, "more": {}, "nl": {}, "column": {},
	"ping": {}, "dig": {}, "nslookup": {}, "host": {}, "type": {},
	"history": {}, "test": {}, "true": {}, "false": {},
}

// IsSafeBin reports whether name is in the frozen safe-bin set.
func IsSafeBin(name string) bool {
	_, ok := SafeBins[name]
	return ok
}
