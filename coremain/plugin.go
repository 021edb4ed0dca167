package coremain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pmkol/packetcache/pkg/executable_seq"
)

type Plugin interface {
	Tag() string
	Type() string
}

type ExecutablePlugin interface {
	Plugin
	executable_seq.Executable
}

// NewPluginFunc represents a func that can init a Plugin.
// args is the object created by RegNewPluginFunc's argsType func.
type NewPluginFunc func(bp *BP, args any) (p Plugin, err error)

// NewArgsFunc returns a new, empty args object.
type NewArgsFunc func() any

type PluginTypeInfo struct {
	NewPlugin NewPluginFunc
	NewArgs   NewArgsFunc
}

var pluginTypeRegister = struct {
	sync.RWMutex
	m map[string]PluginTypeInfo
}{m: make(map[string]PluginTypeInfo)}

// RegNewPluginFunc registers the type.
// If the type has been registered. RegNewPluginFunc will panic.
func RegNewPluginFunc(typ string, initFunc NewPluginFunc, argsType NewArgsFunc) {
	pluginTypeRegister.Lock()
	defer pluginTypeRegister.Unlock()

	if _, ok := pluginTypeRegister.m[typ]; ok {
		panic(fmt.Sprintf("duplicate plugin type [%s]", typ))
	}
	pluginTypeRegister.m[typ] = PluginTypeInfo{
		NewPlugin: initFunc,
		NewArgs:   argsType,
	}
}

// DelPluginType deletes the init func for this plugin type.
// It is a noop if the type is not registered.
func DelPluginType(typ string) {
	pluginTypeRegister.Lock()
	defer pluginTypeRegister.Unlock()
	delete(pluginTypeRegister.m, typ)
}

func getPluginType(typ string) (PluginTypeInfo, bool) {
	pluginTypeRegister.RLock()
	defer pluginTypeRegister.RUnlock()
	info, ok := pluginTypeRegister.m[typ]
	return info, ok
}

var errUnknownPluginType = errors.New("unknown plugin type")

// NewPlugin inits a plugin from c.
func NewPlugin(c *PluginConfig, lg *zap.Logger, m *Core) (Plugin, error) {
	typeInfo, ok := getPluginType(c.Type)
	if !ok {
		return nil, fmt.Errorf("%w %s", errUnknownPluginType, c.Type)
	}

	args := typeInfo.NewArgs()
	if c.Args != nil {
		if err := decodeArgs(c.Args, args); err != nil {
			return nil, fmt.Errorf("unable to decode plugin args: %w", err)
		}
	}
	return typeInfo.NewPlugin(NewBP(c.Tag, c.Type, lg, m), args)
}

func decodeArgs(in, out any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		Result:           out,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return d.Decode(in)
}

// BP represents a basic plugin, which implements Plugin.
// It also has an internal logger, for convenience.
type BP struct {
	tag, typ string
	l        *zap.Logger
	m        *Core
}

// NewBP creates a new BP. lg and m may be nil.
func NewBP(tag, typ string, lg *zap.Logger, m *Core) *BP {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &BP{
		tag: tag,
		typ: typ,
		l:   lg.With(zap.String("plugin", tag)),
		m:   m,
	}
}

func (p *BP) Tag() string {
	return p.tag
}

func (p *BP) Type() string {
	return p.typ
}

func (p *BP) L() *zap.Logger {
	return p.l
}

func (p *BP) M() *Core {
	return p.m
}

// MetricsReg returns a prometheus.Registerer that labels every metric with
// the plugin tag.
func (p *BP) MetricsReg() prometheus.Registerer {
	var reg prometheus.Registerer = prometheus.NewRegistry()
	if p.m != nil {
		reg = p.m.GetMetricsReg()
	}
	return prometheus.WrapRegistererWith(prometheus.Labels{"plugin": p.tag}, reg)
}
