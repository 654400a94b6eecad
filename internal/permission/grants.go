// Package permission implements the typed capability model declared in a
// plugin manifest and the guard that enforces it on every system call.
//
// The model is fail-closed: an absent sub-grant or an empty pattern list
// means denied. Nothing in this package mutates a grant after load.
package permission

// DBAccess is the access mode for the database grant.
type DBAccess string

const (
	DBReadOnly  DBAccess = "read-only"
	DBReadWrite DBAccess = "read-write"
)

// DBGrant allows queries against a set of tables. "*" grants every table and
// must only be given to privileged plugins; the SQL auditor is best-effort
// and the table allow-list is the real line of defense.
type DBGrant struct {
	Tables []string `json:"tables"`
	Access DBAccess `json:"access"`
}

// NetworkGrant allows outbound requests. Entries are exact hosts or
// "*.suffix" wildcards; AllowAll short-circuits.
type NetworkGrant struct {
	AllowedDomains []string `json:"allowed_domains"`
	AllowAll       bool     `json:"allow_all"`
}

// LLMGrant controls participation in the prompt/response pipelines.
type LLMGrant struct {
	CanInterceptTask       bool `json:"can_intercept_task"`
	CanModifyPrompt        bool `json:"can_modify_prompt"`
	CanModifySystemMessage bool `json:"can_modify_system_message"`
	CanModifyResponse      bool `json:"can_modify_response"`
	MaxTokensPerRequest    int  `json:"max_tokens_per_request,omitempty"`
}

// APIGrant allows the plugin to serve HTTP routes. A route spec is either
// "<VERBS> <pattern>" (comma-separated verbs) or a bare pattern; a pattern
// ending in "/*" matches any suffix. Methods applies to specs that carry no
// verb list of their own.
type APIGrant struct {
	Routes  []string `json:"routes"`
	Methods []string `json:"methods,omitempty"`
}

// SocketGrant controls the socket pipelines. Events lists the event names
// the plugin may see or emit; "*" matches every event.
type SocketGrant struct {
	CanIntercept bool     `json:"can_intercept"`
	CanEmit      bool     `json:"can_emit"`
	Events       []string `json:"events"`
}

// MemoryGrant lists readable and writable key patterns: exact keys,
// "prefix:*" literal prefixes, or "*".
type MemoryGrant struct {
	Read  []string `json:"read"`
	Write []string `json:"write"`
}

// LogGrant controls the log syscall.
type LogGrant struct {
	Enabled bool     `json:"enabled"`
	Levels  []string `json:"levels"`
}

// Grants is the full permission block of a manifest. Every field is optional;
// nil means the capability family is denied outright.
type Grants struct {
	DB      *DBGrant      `json:"db,omitempty"`
	Network *NetworkGrant `json:"network,omitempty"`
	LLM     *LLMGrant     `json:"llm,omitempty"`
	API     *APIGrant     `json:"api,omitempty"`
	Socket  *SocketGrant  `json:"socket,omitempty"`
	Skills  []string      `json:"skills,omitempty"`
	Memory  *MemoryGrant  `json:"memory,omitempty"`
	Log     *LogGrant     `json:"log,omitempty"`
}
