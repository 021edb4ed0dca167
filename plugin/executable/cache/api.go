package cache

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pmkol/packetcache/pkg/dnsutils"
	"github.com/pmkol/packetcache/pkg/packet_cache"
)

var _ http.Handler = (*cachePlugin)(nil)

type summary struct {
	packet_cache.Stats `json:",inline" yaml:",inline"`
	Summary            string `json:"summary" yaml:"summary"`
}

type removed struct {
	Removed int `json:"removed" yaml:"removed"`
}

func (c *cachePlugin) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	c.api().ServeHTTP(w, req)
}

func (c *cachePlugin) api() *http.ServeMux {
	c.apiOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("GET /summary", c.handleSummary)
		mux.HandleFunc("GET /entries", c.handleEntries)
		mux.HandleFunc("POST /expunge", c.handleExpunge)
		mux.HandleFunc("POST /purge", c.handlePurge)
		mux.HandleFunc("POST /flush", c.handleFlush)
		c.mux = mux
	})
	return c.mux
}

func (c *cachePlugin) handleSummary(w http.ResponseWriter, req *http.Request) {
	c.writeObj(w, req, summary{Stats: c.backend.Stats(), Summary: c.backend.String()})
}

func (c *cachePlugin) handleEntries(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	name := query.Get("name")
	if len(name) == 0 {
		c.writeObj(w, req, c.backend.Entries())
		return
	}
	qtype, suffix, err := parseNameFilter(query.Get("qtype"), query.Get("suffix"))
	if err != nil {
		badRequest(w, err)
		return
	}
	c.writeObj(w, req, c.backend.FindByName(name, qtype, suffix))
}

func (c *cachePlugin) handleExpunge(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	name := query.Get("name")
	if len(name) == 0 {
		badRequest(w, errors.New("missing name"))
		return
	}
	qtype, suffix, err := parseNameFilter(query.Get("qtype"), query.Get("suffix"))
	if err != nil {
		badRequest(w, err)
		return
	}
	n := c.backend.ExpungeByName(name, qtype, suffix)
	c.L().Info("entries expunged", zap.String("name", name), zap.Uint16("qtype", qtype), zap.Bool("suffix", suffix), zap.Int("removed", n))
	c.writeObj(w, req, removed{Removed: n})
}

func (c *cachePlugin) handlePurge(w http.ResponseWriter, req *http.Request) {
	upTo := 0
	if s := req.URL.Query().Get("up_to"); len(s) > 0 {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			badRequest(w, errors.New("invalid up_to"))
			return
		}
		upTo = n
	}
	c.writeObj(w, req, removed{Removed: c.backend.PurgeExpired(upTo)})
}

func (c *cachePlugin) handleFlush(w http.ResponseWriter, req *http.Request) {
	n := c.backend.Len()
	c.backend.Clear()
	c.L().Info("cache flushed", zap.Int("removed", n))
	c.writeObj(w, req, removed{Removed: n})
}

func parseNameFilter(qtypeStr, suffixStr string) (qtype uint16, suffix bool, err error) {
	qtype = dns.TypeANY
	if len(qtypeStr) > 0 {
		var ok bool
		if qtype, ok = dnsutils.ParseQtype(qtypeStr); !ok {
			return 0, false, errors.New("invalid qtype")
		}
	}
	if len(suffixStr) > 0 {
		if suffix, err = strconv.ParseBool(suffixStr); err != nil {
			return 0, false, errors.New("invalid suffix")
		}
	}
	return qtype, suffix, nil
}

func (c *cachePlugin) writeObj(w http.ResponseWriter, req *http.Request, v any) {
	var (
		b   []byte
		err error
	)
	if req.URL.Query().Get("format") == "yaml" {
		w.Header().Set("Content-Type", "application/yaml")
		b, err = yaml.Marshal(v)
	} else {
		w.Header().Set("Content-Type", "application/json")
		b, err = json.Marshal(v)
	}
	if err != nil {
		c.L().Error("failed to marshal api response", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Write(b)
}

func badRequest(w http.ResponseWriter, err error) {
	w.WriteHeader(http.StatusBadRequest)
	w.Write([]byte(err.Error()))
}
