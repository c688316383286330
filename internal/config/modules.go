package config

import (
	_ "github.com/eternlty/offline-cache/internal/preset/blog"
	_ "github.com/eternlty/offline-cache/internal/preset/simple"
)
