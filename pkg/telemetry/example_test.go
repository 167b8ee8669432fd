package telemetry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/provisio/pkg/telemetry"
)

// Example_componentLogging demonstrates component loggers with provisioning fields.
func Example_componentLogging() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Format = "json"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	logger := tel.Logger.NewComponentLogger("propagation").
		WithResource("ldap").
		WithTaskID("task-1")

	logger.Debug("acquiring handle")
	logger.WithError(errors.New("connection reset")).Error("update failed")

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates recording engine metrics.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Metrics.SetPoolState("ldap-conn", 3, 1, 0)
	tel.Metrics.RecordAcquire("ldap-conn", "idle", 2*time.Millisecond)
	tel.Metrics.RecordConnectorCall("ldap-conn", "update", 15*time.Millisecond)
	tel.Metrics.RecordPropagation("ldap", "UPDATE", "SUCCESS", 20*time.Millisecond)
	tel.Metrics.RecordReport("ldap", "UPDATE", "SUCCESS")
	tel.Metrics.SetQueueDepth(4)

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates synchronous event delivery.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	tel.Events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.Resource)
	}, telemetry.FilterByType(telemetry.EventTypeTaskExecuted))

	_ = tel.Events.PublishPropagationStarted("USER", "u-1", "CREATE", 1)
	_ = tel.Events.PublishTaskExecuted("task-1", "ldap", "CREATE", "CREATED", "")

	// Output: task.executed ldap
}
