package polystore

import pr "github.com/unkn0wn-root/polystore/provider"

// The logging contract lives in provider so backends can log without
// importing this package.
type (
	Fields    = pr.Fields
	Logger    = pr.Logger
	NopLogger = pr.NopLogger
)
