// Package drivers opens the journal database behind a common handle. The
// daemon only ever talks bun; the driver picks dialect and connector.
package drivers

import "github.com/uptrace/bun"

type Driver interface {
	GetDB() *bun.DB
	// Name identifies the backend in errors and logs.
	Name() string
}
