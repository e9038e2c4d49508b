//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/eliteGoblin/zapretdeck/internal/daemon"
	"github.com/eliteGoblin/zapretdeck/internal/domain"
	"github.com/eliteGoblin/zapretdeck/internal/infra"
	"github.com/eliteGoblin/zapretdeck/internal/usecase"
	"github.com/eliteGoblin/zapretdeck/test/fixtures"
)

var _ = Describe("Orchestrator", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		fake    *fixtures.FakeZapret
		store   *infra.FileIntentStore
		journal *infra.EncryptedJournal
		monitor *daemon.Monitor
		orch    *usecase.Orchestrator
	)

	running := func() bool {
		return monitor.Poll(ctx).BypassRunning
	}

	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), time.Minute)

		baseDir, err := os.MkdirTemp("", "zapretdeck-integration-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, baseDir)

		fake = fixtures.NewFakeZapret(baseDir)
		Expect(fake.Create()).To(Succeed())

		logger := zap.NewNop()
		settings := infra.DefaultSettings(baseDir, GinkgoT().TempDir())
		settings.ResolvConf = fake.ResolvConf()

		journal, err = infra.OpenJournal(settings.DataDir, nil)
		Expect(err).NotTo(HaveOccurred())

		service := fake.Service()
		monitor = daemon.NewMonitor(
			daemon.MonitorConfig{
				PollInterval:    50 * time.Millisecond,
				QueryTimeout:    2 * time.Second,
				ProcessPattern:  fake.Engine,
				SubscriberQueue: 8,
			},
			infra.NewProcessManager(),
			service,
			infra.NewResolverInspector(settings.ResolvConf, settings.DNSProviders),
			logger,
		)

		runner := usecase.NewRunnerWithLock(
			usecase.RunnerConfig{
				StartScript:   settings.StartScript(),
				StopScript:    settings.StopScript(),
				DNSScript:     settings.DNSScript(),
				ServiceScript: settings.ServiceScript(),
				ServiceUnit:   service.Unit(),
				Root:          true,
			},
			infra.NewShellExecutor(logger),
			nil,
			journal,
			infra.NewFileOperationLock(filepath.Join(baseDir, "zapretdeck.lock")),
			logger,
		)

		store = infra.NewFileIntentStore(fake.ConfigFile())
		orch = usecase.NewOrchestrator(
			usecase.OrchestratorConfig{ConfirmAttempts: 5, ConfirmInterval: 50 * time.Millisecond},
			runner,
			store,
			infra.NewDirStrategyCatalog(settings.CustomDir(), settings.BundledDir(), logger),
			monitor,
			service,
			infra.NewInterfaceLister(),
			logger,
		)
	})

	AfterEach(func() {
		// Never leave the fake engine behind.
		_ = orch.RequestStop(context.Background())
		journal.Close()
		cancel()
	})

	Describe("Strategies", func() {
		It("should list visible strategies sorted, without hidden ones", func() {
			strategies, err := orch.Strategies(ctx)
			Expect(err).NotTo(HaveOccurred())

			var ids []string
			for _, s := range strategies {
				ids = append(ids, s.ID)
			}
			Expect(ids).To(Equal([]string{"general (ALT).bat", "general.bat", "my-discord.bat"}))
		})
	})

	Describe("Interfaces", func() {
		It("should offer any first and never the loopback", func() {
			names, err := orch.Interfaces(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(names[0]).To(Equal(domain.DefaultInterface))
			Expect(names).NotTo(ContainElement("lo"))
		})

		It("should refuse an interface that does not exist", func() {
			err := orch.SelectInterface(ctx, "zapretdeck-missing0")
			Expect(domain.KindOf(err)).To(Equal(domain.KindPreconditionFailed))

			intent, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(intent.Interface).To(Equal(domain.DefaultInterface))
		})
	})

	Describe("RequestStart", func() {
		Context("with a valid strategy", func() {
			It("should start the engine and save the strategy", func() {
				Expect(orch.RequestStart(ctx, "general.bat", false)).To(Succeed())

				Eventually(running, 3*time.Second, 50*time.Millisecond).Should(BeTrue())
				intent, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(intent.Strategy).To(Equal("general.bat"))
				Expect(fake.Calls()).To(Equal([]string{"stop_and_clean_nft.sh", "main_script.sh"}))
			})

			It("should journal the operation", func() {
				Expect(orch.RequestStart(ctx, "my-discord.bat", false)).To(Succeed())

				ops, err := journal.Recent(1)
				Expect(err).NotTo(HaveOccurred())
				Expect(ops).To(HaveLen(1))
				Expect(ops[0].Kind).To(Equal(domain.OpStartSession))
				Expect(ops[0].State).To(Equal(domain.OpSucceeded))
				Expect(ops[0].Detail).To(Equal("my-discord.bat"))
			})

			It("should refuse a second start while running", func() {
				Expect(orch.RequestStart(ctx, "general.bat", false)).To(Succeed())
				Eventually(running, 3*time.Second, 50*time.Millisecond).Should(BeTrue())

				err := orch.RequestStart(ctx, "general.bat", false)
				Expect(domain.KindOf(err)).To(Equal(domain.KindPreconditionFailed))
			})
		})

		Context("with an unknown strategy", func() {
			It("should fail without running anything", func() {
				err := orch.RequestStart(ctx, "missing.bat", false)

				Expect(domain.KindOf(err)).To(Equal(domain.KindInvalidStrategy))
				Expect(fake.Calls()).To(BeEmpty())
			})
		})

		Context("when the start script fails", func() {
			It("should keep the previous intent", func() {
				Expect(orch.SelectStrategy(ctx, "my-discord.bat")).To(Succeed())
				Expect(fake.FailScript("main_script.sh")).To(Succeed())

				err := orch.RequestStart(ctx, "general.bat", false)

				Expect(domain.KindOf(err)).To(Equal(domain.KindCommandFailed))
				intent, lerr := store.Load()
				Expect(lerr).NotTo(HaveOccurred())
				Expect(intent.Strategy).To(Equal("my-discord.bat"))
				Expect(orch.Phase()).To(Equal(domain.PhaseStopped))
			})
		})

		Context("with auto discovery", func() {
			It("should discover, save and start auto_found.bat", func() {
				Expect(orch.RequestStart(ctx, domain.AutoDiscoverID, false)).To(Succeed())

				intent, err := store.Load()
				Expect(err).NotTo(HaveOccurred())
				Expect(intent.Strategy).To(Equal(domain.AutoFoundID))
				Expect(fake.Calls()).To(ContainElement("main_script.sh auto"))
				Eventually(running, 3*time.Second, 50*time.Millisecond).Should(BeTrue())
			})
		})
	})

	Describe("RequestStop", func() {
		It("should stop the engine and leave the intent alone", func() {
			Expect(orch.RequestStart(ctx, "general.bat", false)).To(Succeed())
			Eventually(running, 3*time.Second, 50*time.Millisecond).Should(BeTrue())
			before, err := os.ReadFile(fake.ConfigFile())
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.RequestStop(ctx)).To(Succeed())

			Eventually(running, 3*time.Second, 50*time.Millisecond).Should(BeFalse())
			after, err := os.ReadFile(fake.ConfigFile())
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(Equal(before))
			Expect(orch.Phase()).To(Equal(domain.PhaseStopped))
		})

		It("should be a harmless cleanup when nothing runs", func() {
			Expect(orch.RequestStop(ctx)).To(Succeed())
			Expect(orch.RequestStop(ctx)).To(Succeed())
		})
	})

	Describe("RequestDNSChange", func() {
		It("should switch providers without stacking overrides", func() {
			Expect(orch.RequestDNSChange(ctx, domain.DNSPrimary)).To(Succeed())
			Expect(monitor.Poll(ctx).DNS).To(Equal(domain.DNSPrimary))

			Expect(orch.RequestDNSChange(ctx, domain.DNSSecondary)).To(Succeed())

			Expect(monitor.Poll(ctx).DNS).To(Equal(domain.DNSSecondary))
			Expect(fake.Calls()).To(Equal([]string{"dns.sh set primary", "dns.sh unset", "dns.sh set secondary"}))
			intent, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(intent.DNS).To(Equal(domain.DNSSecondary))
		})

		It("should remove the override", func() {
			Expect(orch.RequestDNSChange(ctx, domain.DNSPrimary)).To(Succeed())
			Expect(orch.RequestDNSChange(ctx, domain.DNSNone)).To(Succeed())

			Expect(monitor.Poll(ctx).DNS).To(Equal(domain.DNSNone))
			intent, err := store.Load()
			Expect(err).NotTo(HaveOccurred())
			Expect(intent.DNS).To(Equal(domain.DNSNone))
		})
	})

	Describe("RequestServiceToggle", func() {
		It("should refuse to enable without a saved strategy", func() {
			err := orch.RequestServiceToggle(ctx, true)

			Expect(domain.KindOf(err)).To(Equal(domain.KindPreconditionFailed))
			Expect(fake.Calls()).To(BeEmpty())
		})

		It("should install and then remove the service", func() {
			Expect(orch.SelectStrategy(ctx, "general.bat")).To(Succeed())

			Expect(orch.RequestServiceToggle(ctx, true)).To(Succeed())
			state := monitor.Poll(ctx)
			Expect(state.ServiceEnabled).To(BeTrue())
			Expect(state.ServiceActive).To(BeTrue())

			Expect(orch.RequestServiceToggle(ctx, false)).To(Succeed())
			state = monitor.Poll(ctx)
			Expect(state.ServiceEnabled).To(BeFalse())
		})
	})

	Describe("Run", func() {
		It("should follow state changes made outside the orchestrator", func() {
			runCtx, stop := context.WithCancel(ctx)
			defer stop()
			go func() { _ = monitor.Run(runCtx) }()
			go func() { _ = orch.Run(runCtx) }()

			Expect(orch.RequestStart(ctx, "general.bat", false)).To(Succeed())
			Eventually(orch.Phase, 3*time.Second, 50*time.Millisecond).Should(Equal(domain.PhaseRunning))

			// Something else kills the engine.
			_, err := infra.NewShellExecutor(zap.NewNop()).Run(ctx, domain.Command{
				Name: "pkill", Args: []string{"-f", fake.Engine}, Timeout: 5 * time.Second,
			})
			Expect(err).NotTo(HaveOccurred())

			Eventually(orch.Phase, 3*time.Second, 50*time.Millisecond).Should(Equal(domain.PhaseStopped))
		})
	})
})
