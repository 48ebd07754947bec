// Package reglet assembles a plugin runtime from a Config.
//
// A Runtime owns one event bus, registry, dependency resolver, permission
// and security manager, loader and lifecycle manager. Nothing is shared
// between runtimes, so several can live in one process:
//
//	rt, err := reglet.New(cfg, reglet.WithConsentProvider(prompter))
//	if err != nil {
//		return err
//	}
//	defer rt.Close(ctx)
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	p, err := rt.Lifecycle().Install(ctx, entities.InstallOptions{Source: entities.SourceFile, Ref: "./weather"})
package reglet
