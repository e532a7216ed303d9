package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/levenlabs/go-lflag"

	potSimulator "github.com/LeonardoBeccarini/smartpots/internal/pot-simulator"
	"github.com/LeonardoBeccarini/smartpots/pkg/log"
	"github.com/LeonardoBeccarini/smartpots/pkg/rabbitmq"
)

func main() {
	potID := lflag.String("pot-id", "1", "pot identifier, must match the server's")
	host := lflag.String("mqtt-host", "localhost", "MQTT broker host")
	port := lflag.String("mqtt-port", "1883", "MQTT broker port")
	user := lflag.String("mqtt-user", "guest", "MQTT username")
	pass := lflag.String("mqtt-password", "guest", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "", "MQTT client id, defaults to pot-<pot-id>")
	interval := lflag.Duration("interval", 10*time.Second, "log report interval")
	lat := lflag.String("lat", "41.51109", "latitude used to seed soil moisture")
	lon := lflag.String("lon", "12.37007", "longitude used to seed soil moisture")
	flowRate := lflag.String("flow-rate", "0.5", "pump flow in liters per minute")
	timezone := lflag.String("timezone", "Local", "IANA zone the schedule is evaluated in")
	lflag.Configure()

	parse := func(name, v string) float64 {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			panic(fmt.Errorf("invalid %s %q: %w", name, v, err))
		}
		return f
	}
	p, err := strconv.Atoi(*port)
	if err != nil {
		panic(fmt.Errorf("invalid mqtt-port %q: %w", *port, err))
	}
	loc, err := time.LoadLocation(*timezone)
	if err != nil {
		panic(fmt.Errorf("invalid timezone %q: %w", *timezone, err))
	}
	if *clientID == "" {
		*clientID = "pot-" + *potID
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = log.WithPot(ctx, *potID)

	cfg := &rabbitmq.RabbitMQConfig{
		Host:     *host,
		Port:     p,
		User:     *user,
		Password: *pass,
		ClientID: *clientID,
	}
	client, err := rabbitmq.NewRabbitMQConn(cfg, ctx)
	if err != nil {
		log.Ctx(ctx).Error("cannot connect", "error", err)
		os.Exit(1)
	}
	defer rabbitmq.CloseRabbitMQConn(client)

	halfLife := 2 * time.Hour
	decayPerMin := math.Ln2 / halfLife.Minutes() * 0.3
	generator := potSimulator.NewGenerator(decayPerMin, parse("flow-rate", *flowRate), time.Now().UnixNano())
	generator.SeedFromSoilGrids(ctx, parse("lat", *lat), parse("lon", *lon), time.Now())

	sim := potSimulator.NewSimulator(*potID, rabbitmq.NewPublisher(client), generator)
	sim.Location = loc
	consumer := rabbitmq.NewConsumer(client, nil, sim.Topics()...)

	if err := sim.Start(ctx, consumer, *interval); err != nil {
		log.Ctx(ctx).Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}
