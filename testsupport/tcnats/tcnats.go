//nolint:errcheck // testsetup
package tcnats

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/nats-io/nats.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	once    sync.Once
	natsURL string
)

// URL returns the url of a JetStream enabled nats server. TESTNATS_URL is used
// if set, otherwise a container is started once per test binary.
func URL() string {
	once.Do(func() {
		if natsURL = os.Getenv("TESTNATS_URL"); natsURL != "" {
			return
		}
		natsURL = setupContainer(context.Background())
	})
	return natsURL
}

// Connect opens a new connection to the test server
func Connect() *nats.Conn {
	nc, err := nats.Connect(URL(), nats.Name("sprint-relay-test"))
	if err != nil {
		log.Fatal(err)
	}
	return nc
}

func setupContainer(ctx context.Context) string {
	port, err := nat.NewPort("tcp", "4222")
	if err != nil {
		log.Fatal(err)
	}
	container, err := testcontainers.GenericContainer(ctx,
		testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "nats:2.10",
				Cmd:          []string{"-js"},
				ExposedPorts: []string{string(port)},
				Name:         "sprint-relay-nats-test",
				WaitingFor: wait.ForLog("Server is ready").
					WithStartupTimeout(30 * time.Second),
			},
			Started: true,
			Reuse:   true,
		})
	if err != nil {
		log.Fatal(err)
	}
	containerPort, _ := container.MappedPort(ctx, port)
	host, _ := container.Host(ctx)
	return fmt.Sprintf("nats://%s:%s", host, containerPort.Port())
}
