package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xela07ax/pulsemesh-prototype/internal/domain"
	"github.com/xela07ax/pulsemesh-prototype/internal/relay"
)

// probe — диагностический клиент узла: подключается по WebSocket,
// проходит рукопожатие и печатает конверты подписанного топика.
// Опционально отправляет один конверт и ждет ответа.
func main() {
	var (
		addr    = flag.String("addr", "localhost:8080", "адрес узла host:port")
		topic   = flag.String("topic", "*", "шаблон топика подписки, origin:intent либо *")
		source  = flag.String("source", "probe", "имя источника в рукопожатии")
		target  = flag.String("target", "", "адресат отправляемого конверта (пусто = только слушать)")
		intent  = flag.String("intent", "query", "интент отправляемого конверта")
		payload = flag.String("payload", `{"ping":true}`, "JSON-полезная нагрузка")
	)
	flag.Parse()

	secret := []byte(os.Getenv("AUTH_SHARED_SECRET_DATA"))
	if len(secret) == 0 {
		log.Fatal("AUTH_SHARED_SECRET_DATA environment variable is required")
	}

	// 1. Подключение и рукопожатие
	u := url.URL{Scheme: "ws", Host: *addr, Path: "/mesh/" + url.PathEscape(*topic)}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	msg := relay.HandshakeMessage{
		Source:    *source,
		Target:    *topic,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	sig, err := relay.SignMessage(msg, secret)
	if err != nil {
		log.Fatalf("sign failed: %v", err)
	}
	if err := conn.WriteJSON(relay.HandshakeFrame{Message: msg, Signature: sig}); err != nil {
		log.Fatalf("handshake send failed: %v", err)
	}

	var ok relay.HandshakeOK
	if err := conn.ReadJSON(&ok); err != nil {
		log.Fatalf("handshake rejected: %v", err)
	}
	log.Printf("connected: client_id=%s topic=%s", ok.ClientID, *topic)

	// 2. Опциональная отправка конверта
	if *target != "" {
		frame := map[string]any{
			"target":  *target,
			"intent":  *intent,
			"payload": json.RawMessage(*payload),
		}
		if err := conn.WriteJSON(frame); err != nil {
			log.Fatalf("send failed: %v", err)
		}
		log.Printf("sent: target=%s intent=%s", *target, *intent)
	}

	// 3. Печать входящих конвертов до Ctrl+C
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			log.Printf("connection closed: %v", err)
			return
		}
		log.Printf("envelope: id=%s %s -> %s intent=%s coherence=%.2f status=%s payload=%s",
			env.ID, env.Origin, env.Target, env.Intent, env.Coherence, env.Status(), string(env.Payload))
	}
}
