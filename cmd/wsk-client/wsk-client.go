package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cbeuw/Websock/internal/common"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var version string

func main() {
	var url string
	var binary bool

	flag.StringVar(&url, "s", "ws://127.0.0.1:80/echo", "server: websocket url to connect to")
	flag.BoolVar(&binary, "b", false, "binary: send lines as binary messages instead of text")
	askVersion := flag.Bool("v", false, "Print the version number")
	printUsage := flag.Bool("h", false, "Print this message")
	verbosity := flag.String("verbosity", "info", "verbosity level")

	flag.Parse()

	if *askVersion {
		fmt.Printf("wsk-client %s", version)
		return
	}
	if *printUsage {
		flag.Usage()
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	lvl, err := log.ParseLevel(*verbosity)
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(lvl)

	ws, resp, err := common.DialWebSocket(&net.Dialer{}, url, nil, 10*time.Second)
	if err != nil {
		if resp != nil {
			log.Fatalf("failed to connect to %v: %v (%v)", url, err, resp.Status)
		}
		log.Fatalf("failed to connect to %v: %v", url, err)
	}
	ws.Binary = binary
	log.Infof("connected to %v", url)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			typ, msg, err := ws.ReadMessage()
			if err != nil {
				if ce, ok := err.(*websocket.CloseError); ok {
					log.Infof("connection closed with %v", ce.Code)
				} else {
					log.Errorf("read: %v", err)
				}
				return
			}
			if typ == websocket.BinaryMessage {
				fmt.Printf("< %x\n", msg)
			} else {
				fmt.Printf("< %s\n", msg)
			}
		}
	}()

	lines := make(chan []byte)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// stdin is done, close and wait for the server's reply
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
					log.Debugf("close: %v", err)
				}
				select {
				case <-done:
				case <-time.After(3 * time.Second):
				}
				ws.Close()
				return
			}
			if _, err := ws.Write(line); err != nil {
				log.Fatalf("write: %v", err)
			}
		case <-done:
			ws.Close()
			return
		}
	}
}
