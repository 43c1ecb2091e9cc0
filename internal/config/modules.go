package config

import (
	_ "github.com/any-hub/any-depot/internal/pkgtype/all"
)
