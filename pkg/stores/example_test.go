package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/openfroyo/provisio/pkg/engine"
	"github.com/openfroyo/provisio/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:",
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_Due shows the re-attempt queue handing out due tasks.
func ExampleSQLiteStore_Due() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	task, err := engine.NewPropagationTaskBuilder("ldap", engine.OperationUpdate).
		Entity(engine.AnyTypeUser, "alice").
		ObjectClass("__ACCOUNT__").
		ConnObjectKey("uid", "alice").
		Build()
	if err != nil {
		log.Fatal(err)
	}

	now := time.Now()
	_ = store.Enqueue(ctx, task, 1, now.Add(-time.Second))

	due, err := store.Due(ctx, now, 10)
	if err != nil {
		log.Fatal(err)
	}
	for _, q := range due {
		fmt.Printf("%s %s attempts=%d\n", q.Task.Operation(), q.Task.ConnObjectKey(), q.Attempts)
	}
	// Output: UPDATE alice attempts=1
}

// ExampleSQLiteStore_RecordReports records the outcome of a pull run.
func ExampleSQLiteStore_RecordReports() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	run := &stores.Run{ID: "run-001", Profile: "hr", Direction: "pull", Resource: "ldap", Status: stores.RunStatusRunning, StartedAt: time.Now()}
	_ = store.RecordRun(ctx, run)
	_ = store.RecordReports(ctx, run.ID, []engine.ProvisioningReport{
		{Resource: "ldap", Status: engine.ReportStatusSuccess, Operation: engine.OperationCreate, AnyType: engine.AnyTypeUser, UidValue: "bob", State: engine.StateProvisioned},
	})

	reports, _ := store.ListReports(ctx, run.ID)
	for _, r := range reports {
		fmt.Println(r.UidValue, r.Status, r.State)
	}
	// Output: bob SUCCESS PROVISIONED
}
