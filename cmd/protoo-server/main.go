package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/spf13/viper"

	"github.com/durrtagnan/protoo"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (yaml, json or toml)")
	listenAddr := flag.String("listen", "", "the address the WebSocket server should listen on")
	printURL := flag.Bool("printurl", false, "print the listen URL on stdout")

	flag.Parse()

	v := viper.New()
	v.SetDefault("listen", ":4443")
	v.SetDefault("ping_interval", "20s")
	v.SetDefault("ping_timeout", "15s")
	v.SetDefault("idle_timeout", "0s")
	v.SetDefault("debug", false)
	v.SetEnvPrefix("protoo")
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			log.Fatalln(err)
		}
	}
	if *listenAddr != "" {
		v.Set("listen", *listenAddr)
	}

	logger := protoo.NewLogger(v.GetBool("debug"))
	peerConfig := protoo.Config{
		Logger:      logger,
		IdleTimeout: v.GetDuration("idle_timeout"),
	}

	srv := &protoo.Server{
		Addr:         v.GetString("listen"),
		PingInterval: v.GetDuration("ping_interval"),
		PingTimeout:  v.GetDuration("ping_timeout"),
		Logger:       logger,
	}

	srv.Handler = func(t *protoo.WebSocketTransport, r *http.Request) {
		peerID := r.URL.Query().Get("peerId")
		if peerID == "" {
			peerID = r.RemoteAddr
		}

		peer := protoo.NewPeer(peerID, t, peerConfig)

		peer.OnRequest(func(req *protoo.Message, accept protoo.AcceptFunc, reject protoo.RejectFunc) {
			switch req.Method {
			case "echo":
				accept(req.Data)
			default:
				reject(404, "no such method")
			}
		})
		peer.OnNotification(func(notification *protoo.Message) {
			logger.Log("notification %q from peer %q", notification.Method, peer.ID())
		})
		peer.OnClose(func(code int, reason string) {
			logger.Log("peer %q closed [code:%d, reason:%q]", peer.ID(), code, reason)
		})
	}

	ln, err := srv.Listen(srv.Addr)
	if err != nil {
		log.Fatalln(err)
	}
	defer ln.Close()

	if *printURL {
		fmt.Fprintf(os.Stdout, "ws://%s/\n", ln.Addr().String())
	}

	if err = srv.Serve(ln); err != nil {
		log.Fatalln(err)
	}
}
