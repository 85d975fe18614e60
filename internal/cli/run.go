package cli

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/mycrl/turn-rs-sub001/internal/auth"
	"github.com/mycrl/turn-rs-sub001/internal/filter"
	"github.com/mycrl/turn-rs-sub001/internal/hooks"
	"github.com/mycrl/turn-rs-sub001/internal/manage"
	"github.com/mycrl/turn-rs-sub001/internal/processor"
	"github.com/mycrl/turn-rs-sub001/internal/relay"
	"github.com/mycrl/turn-rs-sub001/internal/reload"
	"github.com/mycrl/turn-rs-sub001/internal/server"
	"github.com/mycrl/turn-rs-sub001/internal/session"
	"github.com/mycrl/turn-rs-sub001/internal/stun"
)

const keyPrometheusActive = "server.prometheus.active"

type ifaceElem struct {
	Transport   string `mapstructure:"transport"`
	Bind        string `mapstructure:"bind"`
	External    string `mapstructure:"external"`
	Certificate string `mapstructure:"certificate"`
	Key         string `mapstructure:"key"`
}

type staticCredElem struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Realm    string `mapstructure:"realm"`
}

func normalize(address string) string {
	if address == "" {
		address = "0.0.0.0"
	}
	if !strings.Contains(address, ":") {
		address = fmt.Sprintf("%s:%d", address, stun.DefaultPort)
	}
	return address
}

func parseFilteringRules(parentLogger *zap.Logger, v *viper.Viper, key string) ([]filter.Rule, filter.Action, error) {
	l := parentLogger.Named(key)
	type rawRuleItem struct {
		Net    string `mapstructure:"net"`
		Action string `mapstructure:"action"`
	}
	var rawRules []rawRuleItem
	if keyErr := v.UnmarshalKey("filter."+key+".rules", &rawRules); keyErr != nil {
		l.Error("failed to parse rules", zap.Error(keyErr))
		return nil, filter.Allow, keyErr
	}
	var rules []filter.Rule
	for _, rawRule := range rawRules {
		var action filter.Action
		switch strings.ToLower(rawRule.Action) {
		case "allow":
			action = filter.Allow
		case "drop", "forbid", "deny", "block":
			action = filter.Deny
		case "pass", "none", "":
			action = filter.Pass
		default:
			l.Error("failed to parse action", zap.String("action", rawRule.Action))
			return nil, filter.Allow, errors.Errorf("unknown action %s", rawRule.Action)
		}
		rule, ruleErr := filter.StaticNetRule(action, rawRule.Net)
		if ruleErr != nil {
			l.Error("failed to parse subnet",
				zap.Error(ruleErr), zap.String("net", rawRule.Net),
			)
			return nil, filter.Allow, ruleErr
		}
		l.Info("added rule",
			zap.Stringer("action", action),
			zap.String("net", rawRule.Net),
		)
		rules = append(rules, rule)
	}
	defaultAction := filter.Allow
	switch strings.ToLower(v.GetString("filter." + key + ".action")) {
	case "allow", "":
		// Same as default.
	case "drop", "forbid", "deny", "block":
		defaultAction = filter.Deny
	case "pass", "none":
		return nil, filter.Allow, errors.New("default action cannot be pass")
	default:
		return nil, filter.Allow, errors.New("unknown default action")
	}
	l.Info("default action set", zap.Stringer("action", defaultAction))
	return rules, defaultAction, nil
}

func parseInterfaces(v *viper.Viper) ([]processor.Interface, []ifaceElem, error) {
	var raw []ifaceElem
	if err := v.UnmarshalKey("server.interfaces", &raw); err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse server.interfaces")
	}
	if len(raw) == 0 {
		raw = []ifaceElem{{Transport: "udp", Bind: "127.0.0.1:3478", External: "127.0.0.1:3478"}}
	}
	out := make([]processor.Interface, 0, len(raw))
	for i := range raw {
		raw[i].Bind = normalize(raw[i].Bind)
		if raw[i].External == "" {
			raw[i].External = raw[i].Bind
		}
		bind, err := netip.ParseAddrPort(raw[i].Bind)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad bind address %q", raw[i].Bind)
		}
		external, err := netip.ParseAddrPort(raw[i].External)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "bad external address %q", raw[i].External)
		}
		transport := session.TransportUDP
		switch strings.ToLower(raw[i].Transport) {
		case "udp", "":
		case "tcp", "tls":
			transport = session.TransportTCP
		default:
			return nil, nil, errors.Errorf("unknown transport %q", raw[i].Transport)
		}
		out = append(out, processor.Interface{
			Transport: transport,
			Bind:      bind,
			External:  external,
		})
	}
	return out, raw, nil
}

func parseStaticCredentials(l *zap.Logger, v *viper.Viper, realm string) []auth.StaticCredential {
	var rawCredentials []staticCredElem
	if keyErr := v.UnmarshalKey("auth.static", &rawCredentials); keyErr != nil {
		l.Fatal("failed to parse auth.static config", zap.Error(keyErr))
	}
	var staticCredentials []auth.StaticCredential
	for _, cred := range rawCredentials {
		if cred.Realm == "" {
			cred.Realm = realm
		}
		staticCredentials = append(staticCredentials, auth.StaticCredential{
			Username: cred.Username,
			Password: cred.Password,
			Realm:    cred.Realm,
		})
	}
	l.Info("parsed credentials", zap.Int("n", len(staticCredentials)))
	return staticCredentials
}

// buildAuth assembles the credential source chain: static map, then
// static-auth-secret, then the external hook when enabled.
func buildAuth(static *auth.Static, v *viper.Viper, realm string, hook *hooks.Client) auth.Chain {
	chain := auth.Chain{static}
	if secret := v.GetString("auth.secret"); secret != "" {
		chain = append(chain, auth.NewSecret(secret, realm))
	}
	if v.GetBool("auth.hooks") && hook != nil {
		chain = append(chain, hook)
	}
	return chain
}

// ListenAndServe brings the whole server up from the viper
// configuration and blocks until every listener stops.
func ListenAndServe(v *viper.Viper, l *zap.Logger) error {
	realm := v.GetString("server.realm")
	software := v.GetString("server.software")

	interfaces, rawIfaces, err := parseInterfaces(v)
	if err != nil {
		return err
	}
	externals := make([]netip.AddrPort, 0, len(interfaces))
	bindByExternal := make(map[netip.AddrPort]netip.Addr, len(interfaces))
	for _, iface := range interfaces {
		externals = append(externals, iface.External)
		bindByExternal[iface.External] = iface.Bind.Addr()
	}

	reg := prometheus.NewPedanticRegistry()
	labels := prometheus.Labels{"realm": realm}

	// The destroy path needs the forwarder and observer, which in turn
	// need the store; the closure reads them at call time.
	var (
		fwd *relay.Forwarder
		obs processor.Observer = processor.NopObserver{}
	)
	store := session.NewStore(session.Options{
		Log:             l.Named("session"),
		PortStart:       uint16(v.GetUint32("server.port_range.start")),
		PortEnd:         uint16(v.GetUint32("server.port_range.end")),
		DefaultLifetime: time.Duration(v.GetUint32("session.lifetime")) * time.Second,
		MaxLifetime:     time.Duration(v.GetUint32("session.max_lifetime")) * time.Second,
		ChannelLifetime: time.Duration(v.GetUint32("session.channel_lifetime")) * time.Second,
		NonceLifetime:   time.Duration(v.GetUint32("session.nonce_lifetime")) * time.Second,
		Labels:          labels,
		OnDestroy: func(symbol session.Symbol, username string, port uint16, hadPort bool) {
			if hadPort && fwd != nil {
				fwd.Close(port)
			}
			obs.OnDestroy(symbol, username)
		},
	})
	fwd = relay.NewForwarder(relay.Options{
		Log:    l.Named("relay"),
		Store:  store,
		Labels: labels,
	})

	var hook *hooks.Client
	if endpoint := v.GetString("hooks.endpoint"); endpoint != "" {
		hook = hooks.NewClient(hooks.Options{
			Log:      l.Named("hooks"),
			Endpoint: endpoint,
			Timeout:  time.Duration(v.GetUint32("hooks.timeout")) * time.Second,
			Realm:    realm,
		})
		obs = hook
	}

	static := auth.NewStatic(parseStaticCredentials(l, v, realm))
	authChain := buildAuth(static, v, realm, hook)

	peerRules, peerDefault, err := parseFilteringRules(l.Named("filter"), v, "peer")
	if err != nil {
		return err
	}
	clientRules, clientDefault, err := parseFilteringRules(l.Named("filter"), v, "client")
	if err != nil {
		return err
	}
	peerRule := filter.NewFilter(peerDefault,
		append([]filter.Rule{filter.NewDenyInterfaces(externals)}, peerRules...)...)
	clientRule := filter.NewFilter(clientDefault, clientRules...)

	relayObs := server.RelayObserver{
		Observer:  obs,
		Log:       l.Named("relay"),
		Forwarder: fwd,
		Store:     store,
		BindIP: func(iface netip.AddrPort) netip.Addr {
			if bind, ok := bindByExternal[iface]; ok {
				return bind
			}
			return iface.Addr()
		},
	}

	proc := processor.New(processor.Options{
		Log:        l.Named("processor"),
		Realm:      realm,
		Software:   software,
		Store:      store,
		Auth:       authChain,
		Observer:   relayObs,
		Interfaces: interfaces,
		PeerRule:   peerRule,
	})
	fwd.SetProcessor(proc)

	if err := reg.Register(store); err != nil {
		return errors.Wrap(err, "failed to register store metrics")
	}
	if err := reg.Register(fwd); err != nil {
		return errors.Wrap(err, "failed to register relay metrics")
	}

	if prometheusAddr := v.GetString("server.prometheus.addr"); prometheusAddr != "" {
		l.Warn("running prometheus metrics", zap.String("addr", prometheusAddr))
		go func() {
			promHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{
				ErrorLog:      zap.NewStdLog(l),
				ErrorHandling: promhttp.HTTPErrorOnError,
			})
			if listenErr := http.ListenAndServe(prometheusAddr, promHandler); listenErr != nil {
				l.Error("prometheus failed to listen",
					zap.String("addr", prometheusAddr),
					zap.Error(listenErr),
				)
			}
		}()
	} else {
		v.SetDefault(keyPrometheusActive, false)
		if v.GetBool(keyPrometheusActive) {
			l.Warn("ignoring " + keyPrometheusActive + " because prometheus http endpoint is not configured")
		}
	}
	if pprofAddr := v.GetString("server.pprof"); pprofAddr != "" {
		l.Warn("running pprof", zap.String("addr", pprofAddr))
		go func() {
			pprofMux := http.NewServeMux()
			pprofMux.HandleFunc("/debug/pprof/", pprof.Index)
			pprofMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			pprofMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
			pprofMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			pprofMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
			if listenErr := http.ListenAndServe(pprofAddr, pprofMux); listenErr != nil {
				l.Error("pprof failed to listen",
					zap.String("addr", pprofAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	n := reload.NewNotifier(l.Named("reload"))
	if watchErr := n.Watch(configPath(v)); watchErr != nil {
		l.Warn("failed to watch config file", zap.Error(watchErr))
	}

	if apiAddr := v.GetString("api.addr"); apiAddr != "" {
		m := manage.NewManager(manage.Options{
			Log:      l.Named("api"),
			Store:    store,
			Notifier: n,
			Software: software,
			Realm:    realm,
		})
		go func() {
			l.Info("api listening", zap.String("addr", apiAddr))
			if listenErr := http.ListenAndServe(apiAddr, m); listenErr != nil {
				l.Error("failed to listen on management API addr",
					zap.String("addr", apiAddr),
					zap.Error(listenErr),
				)
			}
		}()
	}

	baseOptions := server.Options{
		Log:            l,
		Processor:      proc,
		Forwarder:      fwd,
		Store:          store,
		ClientRule:     clientRule,
		Registry:       reg,
		MetricsEnabled: v.GetBool(keyPrometheusActive),
		Workers:        v.GetInt("server.workers"),
		ReusePort:      v.GetBool("server.reuseport"),
		DebugCollect:   v.GetBool("server.debug.collect"),
		CollectRate:    time.Second,
	}
	u := server.NewUpdater(baseOptions)

	// Reload loop: refresh credentials, runtime options and filters
	// without touching sockets.
	go func() {
		for range n.C {
			l.Info("trying to update config")
			if readErr := v.ReadInConfig(); readErr != nil {
				l.Error("failed to read config", zap.Error(readErr))
				continue
			}
			l.Info("config read", zap.String("path", v.ConfigFileUsed()))
			newRealm := v.GetString("server.realm")
			static.Set(parseStaticCredentials(l, v, newRealm))
			newPeerRules, newPeerDefault, peerErr := parseFilteringRules(l.Named("filter"), v, "peer")
			newClientRules, newClientDefault, clientErr := parseFilteringRules(l.Named("filter"), v, "client")
			if peerErr != nil || clientErr != nil {
				continue
			}
			proc.SetRuntime(processor.Runtime{
				Realm:    newRealm,
				Software: v.GetString("server.software"),
				Auth:     buildAuth(static, v, newRealm, hook),
				PeerRule: filter.NewFilter(newPeerDefault,
					append([]filter.Rule{filter.NewDenyInterfaces(externals)}, newPeerRules...)...),
			})
			next := u.Get()
			next.ClientRule = filter.NewFilter(newClientDefault, newClientRules...)
			next.MetricsEnabled = v.GetBool(keyPrometheusActive)
			next.DebugCollect = v.GetBool("server.debug.collect")
			u.Set(next)
			l.Info("config updated")
		}
	}()

	wg := new(sync.WaitGroup)
	for i, iface := range interfaces {
		iface := iface
		raw := rawIfaces[i]
		switch strings.ToLower(raw.Transport) {
		case "udp", "":
			var (
				conn    net.PacketConn
				connErr error
			)
			if reuseport.Available() && v.GetBool("server.reuseport") {
				conn, connErr = reuseport.ListenPacket("udp", iface.Bind.String())
			} else {
				conn, connErr = net.ListenPacket("udp", iface.Bind.String())
			}
			if connErr != nil {
				return errors.Wrapf(connErr, "failed to listen on %s", iface.Bind)
			}
			opts := u.Get()
			opts.Conn = conn
			opts.Interface = iface
			s, newErr := server.New(opts)
			if newErr != nil {
				return newErr
			}
			u.Subscribe(s)
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Info("turnd listening",
					zap.Stringer("addr", iface.Bind),
					zap.String("network", "udp"),
				)
				if serveErr := s.Serve(); serveErr != nil {
					l.Fatal("failed to serve", zap.Error(serveErr))
				}
			}()
		case "tcp", "tls":
			ln, lnErr := net.Listen("tcp", iface.Bind.String())
			if lnErr != nil {
				return errors.Wrapf(lnErr, "failed to listen on %s", iface.Bind)
			}
			if strings.EqualFold(raw.Transport, "tls") {
				cert, certErr := tls.LoadX509KeyPair(raw.Certificate, raw.Key)
				if certErr != nil {
					return errors.Wrap(certErr, "failed to load TLS key pair")
				}
				ln = tls.NewListener(ln, &tls.Config{
					Certificates: []tls.Certificate{cert},
					MinVersion:   tls.VersionTLS12,
				})
			}
			s := server.NewTCP(server.TCPOptions{
				Log:        l,
				Listener:   ln,
				Interface:  iface,
				Processor:  proc,
				Forwarder:  fwd,
				Store:      store,
				ClientRule: clientRule,
			})
			wg.Add(1)
			go func(network string) {
				defer wg.Done()
				l.Info("turnd listening",
					zap.Stringer("addr", iface.Bind),
					zap.String("network", network),
				)
				if serveErr := s.Serve(); serveErr != nil {
					l.Fatal("failed to serve", zap.Error(serveErr))
				}
			}(strings.ToLower(raw.Transport))
		}
	}
	wg.Wait()
	return nil
}

type serveFunc = func(v *viper.Viper, l *zap.Logger) error

func getRoot(v *viper.Viper, serve serveFunc) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "turnd",
		Short: "turnd is a STUN and TURN server",
		Run: func(cmd *cobra.Command, args []string) {
			initConfig(v)
			l := getLogger(v)
			if cfgPath := v.ConfigFileUsed(); len(cfgPath) > 0 {
				l.Info("config file used", zap.String("path", cfgPath))
			} else {
				l.Info("default configuration used")
			}
			if strings.Split(v.GetString("version"), ".")[0] != "1" {
				l.Fatal("unsupported config file version", zap.String("v", v.GetString("version")))
			}
			if err := serve(v, l); err != nil {
				l.Fatal("failed to serve", zap.Error(err))
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is turnd.yml in ., /etc/turnd/ or $HOME)")
	rootCmd.Flags().String("pprof", "", "pprof address if specified")
	mustBind(v.BindPFlag("server.pprof", rootCmd.Flags().Lookup("pprof")))
	rootCmd.AddCommand(getKey())
	return rootCmd
}
