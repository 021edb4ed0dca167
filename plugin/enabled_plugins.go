package plugin

// import all plugins
import (
	_ "github.com/pmkol/packetcache/plugin/executable/cache"
	_ "github.com/pmkol/packetcache/plugin/executable/forward"
)
