package memory

// queryOptions accumulates options for [ConversationStore.UserMessages].
// Unexported — callers configure it via [QueryOpt] functional options.
type queryOptions struct {
	excludeConversation string
	role                string
	limit               int
}

// QueryOpt is a functional option for [ConversationStore.UserMessages].
type QueryOpt func(*queryOptions)

// WithExcludeConversation drops interactions belonging to the given
// conversation, typically the one currently in progress.
func WithExcludeConversation(id string) QueryOpt {
	return func(o *queryOptions) { o.excludeConversation = id }
}

// WithRole overrides the role filter. The default is [RoleUser].
func WithRole(role string) QueryOpt {
	return func(o *queryOptions) { o.role = role }
}

// WithLimit caps the number of interactions returned.
// A value of 0 means the implementation may apply its own default.
func WithLimit(n int) QueryOpt {
	return func(o *queryOptions) { o.limit = n }
}

// QueryParams holds the resolved parameters from a slice of [QueryOpt].
type QueryParams struct {
	ExcludeConversation string
	Role                string
	Limit               int
}

// ApplyQueryOpts applies a slice of [QueryOpt] functional options and returns
// the resolved parameters as a [QueryParams]. This helper allows external
// packages (such as storage backends) to read the option values without
// needing to access the unexported [queryOptions] type directly.
func ApplyQueryOpts(opts []QueryOpt) QueryParams {
	o := &queryOptions{role: RoleUser}
	for _, opt := range opts {
		opt(o)
	}
	return QueryParams{
		ExcludeConversation: o.excludeConversation,
		Role:                o.role,
		Limit:               o.limit,
	}
}
