package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultServer  = "http://localhost:8080"
	defaultTimeout = 30 * time.Second
	envPrefix      = "MARSHALCTL"
)

type cli struct {
	v       *viper.Viper
	cfgFile string
	client  *client
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	c := &cli{v: v}
	root := &cobra.Command{
		Use:   "marshalctl",
		Short: "Submit, verify and promote code snippets on a marshal server",
		Long: `marshalctl talks to the marshal HTTP API.

Snippets are staged against a language slot, executed in a sandbox,
verified against their expected output and promoted into the slot.

Configuration is read from $HOME/.config/marshalctl/config.yaml and
MARSHALCTL_* environment variables; flags win over both.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.init(cmd.Context())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.config/marshalctl/config.yaml)")
	pf.String("server", defaultServer, "marshal base URL")
	pf.String("token", "", "static bearer token")
	pf.Duration("timeout", defaultTimeout, "timeout for each request")
	for _, name := range []string{"server", "token", "timeout"} {
		_ = v.BindPFlag(name, pf.Lookup(name))
	}

	root.AddCommand(
		c.enginesCmd(),
		c.submitCmd(),
		c.statusCmd(),
		c.listCmd(),
		c.summaryCmd(),
		c.abandonCmd(),
		c.promoteCmd(),
		c.slotsCmd(),
		c.slotCmd(),
		c.eventsCmd(),
		c.lockCmd(),
		c.unlockCmd(),
		c.reverifyCmd(),
		c.contentCmd(),
		c.driftCmd(),
		c.auditCmd(),
	)
	return root
}

func (c *cli) init(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.loadConfig(); err != nil {
		return err
	}
	hc, err := c.httpClient(ctx)
	if err != nil {
		return err
	}
	server := strings.TrimRight(strings.TrimSpace(c.v.GetString("server")), "/")
	if server == "" {
		return errors.New("server is required")
	}
	c.client = &client{base: server, http: hc}
	return nil
}

func (c *cli) loadConfig() error {
	v := c.v
	if c.cfgFile != "" {
		v.SetConfigFile(c.cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".config", "marshalctl"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("server", defaultServer)
	v.SetDefault("timeout", defaultTimeout)
	v.SetDefault("oauth.scopes", []string{})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if c.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// httpClient picks client credentials when a token URL is configured, then a
// static token, then an unauthenticated client.
func (c *cli) httpClient(ctx context.Context) (*http.Client, error) {
	v := c.v
	timeout := v.GetDuration("timeout")
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", timeout)
	}

	var hc *http.Client
	switch tokenURL := strings.TrimSpace(v.GetString("oauth.token_url")); {
	case tokenURL != "":
		cc := clientcredentials.Config{
			ClientID:     v.GetString("oauth.client_id"),
			ClientSecret: v.GetString("oauth.client_secret"),
			TokenURL:     tokenURL,
			Scopes:       v.GetStringSlice("oauth.scopes"),
		}
		if cc.ClientID == "" {
			return nil, errors.New("oauth.client_id is required with oauth.token_url")
		}
		hc = cc.Client(ctx)
	case strings.TrimSpace(v.GetString("token")) != "":
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: strings.TrimSpace(v.GetString("token")),
			TokenType:   "Bearer",
		}))
	default:
		hc = &http.Client{}
	}
	hc.Timeout = timeout
	return hc, nil
}
