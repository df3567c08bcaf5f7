package mqtt

// AuthConfig enables username and password authentication.
type AuthConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Users   []User `json:"users,omitempty" yaml:"users,omitempty" toml:"users,omitempty"`
}

// User is an authenticated MQTT user.
type User struct {
	Username string    `json:"username" yaml:"username" toml:"username"`
	Password string    `json:"password" yaml:"password" toml:"password"`
	ACL      []ACLRule `json:"acl,omitempty" yaml:"acl,omitempty" toml:"acl,omitempty"`
}

// ACLRule grants access to topics matching an MQTT filter.
type ACLRule struct {
	Topic  string `json:"topic" yaml:"topic" toml:"topic"`    // e.g. "sensors/#"
	Access string `json:"access" yaml:"access" toml:"access"` // read, write or readwrite
}
