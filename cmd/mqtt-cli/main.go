package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/ebogdum/arduino-mqtt/engine"
	"github.com/ebogdum/arduino-mqtt/helpers"
	"github.com/ebogdum/arduino-mqtt/helpers/cli"
	"github.com/ebogdum/arduino-mqtt/log2"
	"github.com/ebogdum/arduino-mqtt/mqtt"
	"github.com/ebogdum/arduino-mqtt/transport"
)

const usage = `syntax: one command per line
(session)
- connect [clientid]        open transport and MQTT session
- disconnect                clean disconnect
- status                    connection state, last error, counters

(messaging)
- pub <topic> <payload...>  publish QoS 0
- pub1 <topic> <payload...> publish QoS 1, wait for PUBACK
- dup <id>                  stage duplicate packet id for next pub1
- sub <topic>               subscribe QoS 1
- unsub <topic>             unsubscribe
- poll                      one loop pass (inbound + keep-alive)
- watch <seconds>           poll repeatedly, reconnect with backoff

(meta)
- log=yes | log=no          toggle debug logging
- help
`

var log = log2.NewStderr(log2.LInfo)

type shell struct {
	alive   *alive.Alive
	client  *mqtt.Client
	cfg     *mqtt.Config
	backoff *helpers.Backoff
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "", "path to HCL config file")
	hostFlag := cmdline.String("host", "", "broker host, overrides config")
	portFlag := cmdline.Int("port", 0, "broker port, overrides config")
	bufFlag := cmdline.Int("buffer", 0, "read/write buffer size in bytes, overrides config")
	cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	cfg := &mqtt.Config{}
	if *configPath != "" {
		cfg = mqtt.MustReadConfigFile(log, *configPath)
	} else {
		cfg.Defaults()
	}
	if *hostFlag != "" {
		cfg.Host = *hostFlag
	}
	if *portFlag != 0 {
		cfg.Port = *portFlag
	}
	if *bufFlag != 0 {
		cfg.BufferSize = *bufFlag
	}
	if cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	if cfg.Host == "" {
		log.Fatalf("broker host required: -host flag or config")
	}

	sh := &shell{
		alive:   alive.NewAlive(),
		cfg:     cfg,
		backoff: &helpers.Backoff{Min: 1 * time.Second, Max: 30 * time.Second, K: 2},
	}
	sh.client = mqtt.NewFromConfig(cfg, &transport.TCPConn{DialTimeout: 10 * time.Second}, log)
	sh.client.OnMessage(func(topic, payload string) {
		log.Infof("< %s %s", topic, payload)
	})
	defer sh.alive.Stop()

	cli.MainLoop("mqtt-cli", sh.execute, newCompleter())

	if sh.client.Connected() {
		sh.client.Disconnect()
	}
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		prompt.Suggest{Text: "connect", Description: "open transport and MQTT session"},
		prompt.Suggest{Text: "disconnect", Description: "clean disconnect"},
		prompt.Suggest{Text: "status", Description: "connection state and counters"},
		prompt.Suggest{Text: "pub", Description: "publish QoS 0"},
		prompt.Suggest{Text: "pub1", Description: "publish QoS 1"},
		prompt.Suggest{Text: "dup", Description: "stage duplicate packet id"},
		prompt.Suggest{Text: "sub", Description: "subscribe QoS 1"},
		prompt.Suggest{Text: "unsub", Description: "unsubscribe"},
		prompt.Suggest{Text: "poll", Description: "one loop pass"},
		prompt.Suggest{Text: "watch", Description: "poll repeatedly with reconnect"},
		prompt.Suggest{Text: "help", Description: "show syntax"},
	}

	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

func (sh *shell) execute(line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	if err := sh.run(words[0], words[1:]); err != nil {
		log.Errorf(errors.ErrorStack(err))
	}
}

func (sh *shell) run(cmd string, args []string) error {
	switch cmd {
	case "help":
		log.Infof(usage)
		return nil

	case "log=yes":
		log.SetLevel(log2.LDebug)
		return nil

	case "log=no":
		log.SetLevel(log2.LInfo)
		return nil

	case "connect":
		clientID := sh.cfg.ClientID
		if len(args) > 0 {
			clientID = args[0]
		}
		if !sh.client.Connect(clientID, sh.cfg.Username, sh.cfg.Password) {
			return errors.Annotatef(sh.client.LastError(), "connect rc=%s", sh.client.ReturnCode())
		}
		log.Infof("connected sessionPresent=%t", sh.client.SessionPresent())
		return nil

	case "disconnect":
		if !sh.client.Disconnect() {
			return errors.Annotate(sh.client.LastError(), "disconnect")
		}
		return nil

	case "status":
		log.Infof("connected=%t lastError=%v rc=%s dropped=%d lastPacketID=%d",
			sh.client.Connected(), sh.client.LastError(), sh.client.ReturnCode(),
			sh.client.DroppedMessages(), sh.client.LastPacketID())
		return nil

	case "pub", "pub1":
		if len(args) < 2 {
			return errors.Errorf("usage: %s topic payload", cmd)
		}
		qos := engine.QOSAtMostOnce
		if cmd == "pub1" {
			qos = engine.QOSAtLeastOnce
		}
		payload := strings.Join(args[1:], " ")
		if !sh.client.Publish(args[0], []byte(payload), false, qos) {
			return errors.Annotatef(sh.client.LastError(), "publish topic=%s", args[0])
		}
		if qos == engine.QOSAtLeastOnce {
			log.Debugf("acked packet id=%d", sh.client.LastPacketID())
		}
		return nil

	case "dup":
		if len(args) != 1 {
			return errors.Errorf("usage: dup id")
		}
		id, err := strconv.ParseUint(args[0], 10, 16)
		if err != nil {
			return errors.Annotatef(err, "dup id=%s", args[0])
		}
		sh.client.PrepareDuplicate(uint16(id))
		return nil

	case "sub":
		if len(args) != 1 {
			return errors.Errorf("usage: sub topic")
		}
		if !sh.client.Subscribe(args[0], engine.QOSAtLeastOnce) {
			return errors.Annotatef(sh.client.LastError(), "subscribe topic=%s", args[0])
		}
		return nil

	case "unsub":
		if len(args) != 1 {
			return errors.Errorf("usage: unsub topic")
		}
		if !sh.client.Unsubscribe(args[0]) {
			return errors.Annotatef(sh.client.LastError(), "unsubscribe topic=%s", args[0])
		}
		return nil

	case "poll":
		if !sh.client.Loop() {
			return errors.Annotate(sh.client.LastError(), "loop")
		}
		return nil

	case "watch":
		if len(args) != 1 {
			return errors.Errorf("usage: watch seconds")
		}
		sec, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return errors.Annotatef(err, "watch seconds=%s", args[0])
		}
		return sh.watch(time.Duration(sec) * time.Second)

	default:
		return errors.Errorf("invalid command '%s', try help", cmd)
	}
}

// watch polls the session and reconnects with limited exponential
// backoff until the deadline or shutdown.
func (sh *shell) watch(d time.Duration) error {
	deadline := time.Now().Add(d)
	stopch := sh.alive.StopChan()
	for time.Now().Before(deadline) {
		select {
		case <-stopch:
			return nil
		default:
		}

		if !sh.client.Connected() {
			if delay := sh.backoff.DelayBefore(); delay > 0 {
				log.Debugf("reconnect delay=%v", delay)
				time.Sleep(delay)
			}
			ok := sh.client.Connect(sh.cfg.ClientID, sh.cfg.Username, sh.cfg.Password)
			sh.backoff.Update(ok)
			if !ok {
				log.Errorf("reconnect err=%v", sh.client.LastError())
				continue
			}
			log.Infof("reconnected")
		}

		if !sh.client.Loop() {
			log.Errorf("loop err=%v", sh.client.LastError())
			continue
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}
