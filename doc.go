// Package modhub runs modules that talk to each other only through named,
// capability-scoped flows.
//
// # Overview
//
// A module is described by a manifest: the component it runs, the
// capabilities it is granted and the dependencies it may link to. Each
// module instance runs in an isolated unit behind a transport (an in-process
// worker or a WASI module). A router per module binds external flow names,
// which the hub links between endpoints, to internal channels the unit
// announces, and buffers traffic until both sides are ready.
//
// # Basic Usage
//
//	rt, _ := runtime.New(config.DefaultConfig())
//	rt.Start(ctx)
//	defer rt.Close()
//
//	m, _ := rt.Load(ctx, "relay.yaml")
//	c, _ := rt.Connect(ctx, "main", m)
//	c.Listen(func(flow string, msg message.Message) { fmt.Println(msg) })
//	c.Send("main", message.Message{"text": "hi"})
//
// # Manifests
//
//	name: relay
//	app:
//	  script: relay
//	permissions: [core.kv]
//	dependencies:
//	  backend:
//	    url: echo.yaml
//
// Dependencies are loaded on first use. A dependency that would reappear in
// its own lineage is refused.
//
// # Capabilities
//
// Permissions under core. name capability objects: core.kv, core.http,
// core.fs and core.clock. HTTP is limited to configured hosts and the
// filesystem to configured mounts.
package modhub
