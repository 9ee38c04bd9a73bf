// Copyright 2021-2022 The livefeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/alwitt/livefeed/cmd"
	"github.com/alwitt/livefeed/common"
	"github.com/alwitt/livefeed/core"
	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Hostname   string
	Headless   bool
	Publish    cmd.PublishParams `validate:"-"`
}

var cmdArgs cliArgs

var logTags log.Fields

// @title livefeed
// @version v0.1.0
// @description Real-time change notification relay and watcher for the space marine registry

// @host localhost:8080
// @BasePath /
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time change notification relay and watcher for the space marine registry",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "relay",
				Usage:       "Run the livefeed relay server",
				Description: "Serves STOMP sessions over websocket and HTTP streaming, and the change event publish API",
				Action:      startRelayServer,
			},
			{
				Name:        "watch",
				Usage:       "Watch the space marine registry",
				Description: "Keeps the space marine and chapter collections fresh as change events arrive",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:        "headless",
						Usage:       "Log collection updates instead of drawing the terminal view",
						EnvVars:     []string{"WATCH_HEADLESS"},
						Value:       false,
						DefaultText: "false",
						Destination: &cmdArgs.Headless,
						Required:    false,
					},
				},
				Action: startWatcher,
			},
			{
				Name:        "publish",
				Usage:       "Publish change events through a relay",
				Description: "Sends a batch of change events to a relay's publish API",
				Flags:       getPublishCLIFlags(&cmdArgs.Publish),
				Action:      startPublisher,
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

// prepareNATSClient define the NATS client
func prepareNATSClient(
	config common.NATSConfig, ctxtCancel context.CancelFunc,
) (core.NatsClient, error) {
	natsParam := core.NATSConnectParams{
		ServerURI:           config.ServerURI,
		ConnectTimeout:      time.Second * time.Duration(config.ConnectTimeout),
		MaxReconnectAttempt: config.Reconnect.MaxAttempts,
		ReconnectWait:       time.Second * time.Duration(config.Reconnect.WaitInterval),
		OnDisconnectCallback: func(_ *nats.Conn, e error) {
			log.WithError(e).WithFields(logTags).Errorf(
				"NATS client disconnected from server %s", config.ServerURI,
			)
		},
		OnReconnectCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Warnf(
				"NATS client reconnected with server %s", config.ServerURI,
			)
		},
		OnCloseCallback: func(_ *nats.Conn) {
			log.WithFields(logTags).Error("NATS client closed connection")
			ctxtCancel()
		},
	}
	return core.GetNatsClient(natsParam)
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// ============================================================================
// Relay subcommand

// startRelayServer run the relay server
func startRelayServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Relay == nil {
		return fmt.Errorf("relay server can't start without its configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	var natsClient *core.NatsClient
	if config.Relay.NATSBridge {
		client, err := prepareNATSClient(config.NATS, rtCancel)
		if err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to define NATS client with %s", config.NATS.ServerURI,
			)
			return err
		}
		defer client.Close(context.Background())
		natsClient = &client
	}

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunRelayServer(runTimeContext, config.Relay, cmdArgs.Hostname, natsClient, wg)
}

// ============================================================================
// Watch subcommand

// startWatcher run the collection watcher
func startWatcher(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunWatcher(
		runTimeContext, config, cmdArgs.Hostname, cmd.WatchOptions{Headless: cmdArgs.Headless}, wg,
	)
}

// ============================================================================
// Publish subcommand

// getPublishCLIFlags retrieve the set of CMD flags for the publish subcommand
func getPublishCLIFlags(args *cmd.PublishParams) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "relay-url",
			Usage:       "Relay base URL, including any path prefix",
			EnvVars:     []string{"RELAY_URL"},
			Value:       "http://127.0.0.1:8080",
			DefaultText: "http://127.0.0.1:8080",
			Destination: &args.RelayURL,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "topic",
			Usage:       "Topic name without the /topic/ prefix",
			Aliases:     []string{"t"},
			Value:       "spaceMarines",
			DefaultText: "spaceMarines",
			Destination: &args.TopicName,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "action",
			Usage:       "Change action: [create update delete parent_delete]",
			Aliases:     []string{"a"},
			Value:       "update",
			DefaultText: "update",
			Destination: &args.Action,
			Required:    false,
		},
		&cli.Int64Flag{
			Name:        "entity-id",
			Usage:       "ID of the first changed entity",
			Aliases:     []string{"i"},
			Value:       1,
			DefaultText: "1",
			Destination: &args.EntityID,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "entity-type",
			Usage:       "Optional entity type hint",
			Value:       "",
			DefaultText: "",
			Destination: &args.EntityType,
			Required:    false,
		},
		&cli.IntFlag{
			Name:        "count",
			Usage:       "Number of events to publish",
			Aliases:     []string{"n"},
			Value:       1,
			DefaultText: "1",
			Destination: &args.Count,
			Required:    false,
		},
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Pause between events",
			Value:       time.Second,
			DefaultText: "1s",
			Destination: &args.Interval,
			Required:    false,
		},
		&cli.StringFlag{
			Name:        "content-type",
			Usage:       "Body encoding: [application/json application/msgpack]",
			Value:       "application/json",
			DefaultText: "application/json",
			Destination: &args.ContentType,
			Required:    false,
		},
	}
}

// startPublisher publish change events through a relay
func startPublisher(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	params := cmdArgs.Publish
	params.RequestIDHeader = "Livefeed-Request-ID"
	if config.Relay != nil {
		params.RequestIDHeader = config.Relay.HTTPSetting.Logging.RequestIDHeader
	}
	params.RequestTimeout = time.Millisecond * time.Duration(config.REST.RequestTimeout)

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunPublisher(runTimeContext, params, cmdArgs.Hostname)
}
