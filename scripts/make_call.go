// Command make_call places an outbound test call through the Twilio
// transport configured in the main service's YAML file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/moonbeamcoffee/moonbeam/pkg/configutil"
	"github.com/moonbeamcoffee/moonbeam/pkg/transports"
	twiliotransport "github.com/moonbeamcoffee/moonbeam/pkg/transports/twilio"
	"github.com/spf13/viper"
)

type twilioSettings struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	PublicURL  string `mapstructure:"public_url"`
	VoicePath  string `mapstructure:"voice_path"`
}

func main() {
	configPath := flag.String("config", "cmd/moonbeam/config.local.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fatal("usage: make_call -from=+123 -to=+456 [-config=...]")
	}

	settings, err := loadTwilioSettings(*configPath)
	if err != nil {
		fatal("config error: %v", err)
	}

	target := *voiceURL
	if target == "" {
		target, err = settings.webhookURL()
		if err != nil {
			fatal("%v", err)
		}
	}

	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		AccountSID: settings.AccountSID,
		AuthToken:  settings.AuthToken,
		PublicURL:  settings.PublicURL,
		VoicePath:  settings.VoicePath,
	})

	var callSID string
	if *sendDigits != "" {
		callSID, err = dialer.DialWithOptions(context.Background(), *to, *from, target, transports.DialOptions{SendDigits: *sendDigits})
	} else {
		callSID, err = dialer.Dial(context.Background(), *to, *from, target)
	}
	if err != nil {
		fatal("call error: %v", err)
	}
	fmt.Println("call_sid:", callSID)
}

func (s twilioSettings) webhookURL() (string, error) {
	if s.PublicURL == "" {
		return "", fmt.Errorf("public_url is empty")
	}
	path := s.VoicePath
	if path == "" {
		path = "/voice"
	}
	host := strings.TrimPrefix(s.PublicURL, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimRight(host, "/")
	return "https://" + host + path, nil
}

func loadTwilioSettings(path string) (twilioSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return twilioSettings{}, err
	}
	var cfg struct {
		Transports struct {
			Settings map[string]any `mapstructure:"settings"`
		} `mapstructure:"transports"`
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return twilioSettings{}, err
	}
	var settings twilioSettings
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		return twilioSettings{}, err
	}
	return settings, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
