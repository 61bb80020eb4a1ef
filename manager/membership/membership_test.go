package membership

import (
	"errors"
	"net/netip"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/dwongdev/defguard/api"
	"github.com/dwongdev/defguard/manager/importer"
	"github.com/dwongdev/defguard/manager/state/store"
)

var _ = Describe("Membership", func() {
	var s *store.MemoryStore

	BeforeEach(func() {
		s = store.NewMemoryStore()
		Expect(s).ToNot(BeNil())
	})

	AfterEach(func() {
		s.Close()
	})

	createNetwork := func(n *api.Network) {
		err := s.Update(func(tx store.Tx) error {
			return store.CreateNetwork(tx, n)
		})
		Expect(err).ToNot(HaveOccurred())
	}

	createDevice := func(d *api.Device) {
		err := s.Update(func(tx store.Tx) error {
			return store.CreateDevice(tx, d)
		})
		Expect(err).ToNot(HaveOccurred())
	}

	// join creates the device and joins it to every network in one
	// transaction, the way the manager's device creation runs it.
	join := func(d *api.Device) ([]JoinOutcome, []api.GatewayEvent) {
		var (
			outcomes []JoinOutcome
			events   []api.GatewayEvent
		)
		err := s.Update(func(tx store.Tx) error {
			if err := store.CreateDevice(tx, d); err != nil {
				return err
			}
			var err error
			outcomes, events, err = JoinAllNetworks(tx, d)
			return err
		})
		Expect(err).ToNot(HaveOccurred())
		return outcomes, events
	}

	sync := func(network *api.Network, allowed []*api.Device, reserved []netip.Addr) []api.GatewayEvent {
		var events []api.GatewayEvent
		err := s.Update(func(tx store.Tx) error {
			var err error
			events, err = SyncAllowedDevices(tx, network, allowed, reserved)
			return err
		})
		Expect(err).ToNot(HaveOccurred())
		return events
	}

	When("a device joins all networks", func() {
		BeforeEach(func() {
			// Created first but sorts last by ID, so ordering
			// assertions below prove creation time wins.
			createNetwork(testNetwork("net-z", "first", "10.1.0.0/24"))
			createNetwork(testNetwork("net-a", "second", "10.2.0.0/24"))
		})

		It("links the device in every network, oldest network first", func() {
			outcomes, events := join(testDevice("dev-1", "laptop"))

			Expect(outcomes).To(HaveLen(2))
			Expect(outcomes[0].NetworkID).To(Equal("net-z"))
			Expect(outcomes[0].Status).To(Equal(Joined))
			Expect(outcomes[0].Link.Addresses).To(ConsistOf(netip.MustParseAddr("10.1.0.1")))
			Expect(outcomes[1].NetworkID).To(Equal("net-a"))
			Expect(outcomes[1].Status).To(Equal(Joined))
			Expect(outcomes[1].Link.Addresses).To(ConsistOf(netip.MustParseAddr("10.2.0.1")))

			Expect(events).To(HaveLen(2))
			created, ok := events[0].(api.DeviceCreated)
			Expect(ok).To(BeTrue())
			Expect(created.Device.ID).To(Equal("dev-1"))
			Expect(created.NetworkInfo).To(HaveLen(1))
			Expect(created.NetworkInfo[0].NetworkID).To(Equal("net-z"))
			created, ok = events[1].(api.DeviceCreated)
			Expect(ok).To(BeTrue())
			Expect(created.NetworkInfo[0].NetworkID).To(Equal("net-a"))
		})

		It("skips networks the device already belongs to", func() {
			device := testDevice("dev-1", "laptop")
			first, _ := join(device)

			var (
				outcomes []JoinOutcome
				events   []api.GatewayEvent
			)
			err := s.Update(func(tx store.Tx) error {
				var err error
				outcomes, events, err = JoinAllNetworks(tx, device)
				return err
			})
			Expect(err).ToNot(HaveOccurred())

			Expect(outcomes).To(HaveLen(2))
			Expect(outcomes[0].Status).To(Equal(JoinSkippedExisting))
			Expect(outcomes[1].Status).To(Equal(JoinSkippedExisting))
			Expect(events).To(BeEmpty())

			s.View(func(tx store.ReadTx) {
				link := store.GetLinkByMembership(tx, device.ID, "net-z")
				Expect(link).ToNot(BeNil())
				Expect(link.ID).To(Equal(first[0].Link.ID))
			})
		})

		It("aborts the whole join on a gateway key collision", func() {
			collider := testNetwork("net-bad", "third", "10.3.0.0/24")
			collider.PublicKey = "shared-key"
			createNetwork(collider)

			device := testDevice("dev-1", "laptop")
			device.Spec.PublicKey = "shared-key"

			var outcomes []JoinOutcome
			err := s.Update(func(tx store.Tx) error {
				if err := store.CreateDevice(tx, device); err != nil {
					return err
				}
				var err error
				outcomes, _, err = JoinAllNetworks(tx, device)
				return err
			})

			var conflict PubkeyConflictError
			Expect(errors.As(err, &conflict)).To(BeTrue())
			Expect(conflict.NetworkID).To(Equal("net-bad"))
			Expect(conflict.PublicKey).To(Equal("shared-key"))

			// Two networks had granted memberships before the abort.
			Expect(outcomes).To(HaveLen(2))
			Expect(outcomes[0].Status).To(Equal(Joined))
			Expect(outcomes[1].Status).To(Equal(Joined))

			// The transaction rolled back, so none of it is visible.
			s.View(func(tx store.ReadTx) {
				links, err := store.FindLinks(tx, store.All)
				Expect(err).ToNot(HaveOccurred())
				Expect(links).To(BeEmpty())
				Expect(store.GetDevice(tx, device.ID)).To(BeNil())
			})
		})
	})

	When("a size-4 block runs dry", func() {
		var network *api.Network

		BeforeEach(func() {
			network = testNetwork("net-1", "tight", "10.0.0.0/30")
			createNetwork(network)
		})

		It("skips the third device and reuses the freed address", func() {
			devA := testDevice("dev-a", "a")
			devB := testDevice("dev-b", "b")
			devC := testDevice("dev-c", "c")

			outA, _ := join(devA)
			Expect(outA[0].Status).To(Equal(Joined))
			Expect(outA[0].Link.Addresses).To(ConsistOf(netip.MustParseAddr("10.0.0.1")))

			outB, _ := join(devB)
			Expect(outB[0].Status).To(Equal(Joined))
			Expect(outB[0].Link.Addresses).To(ConsistOf(netip.MustParseAddr("10.0.0.2")))

			outC, eventsC := join(devC)
			Expect(outC[0].Status).To(Equal(JoinSkippedNoAddress))
			Expect(outC[0].Link).To(BeNil())
			Expect(eventsC).To(BeEmpty())

			// Exhaustion changed nothing.
			s.View(func(tx store.ReadTx) {
				links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
				Expect(err).ToNot(HaveOccurred())
				Expect(links).To(HaveLen(2))
			})

			// Dropping A frees 10.0.0.1 for C.
			events := sync(network, []*api.Device{devB, devC}, nil)
			Expect(events).To(HaveLen(2))

			deleted, ok := events[0].(api.DeviceDeleted)
			Expect(ok).To(BeTrue())
			Expect(deleted.Device.ID).To(Equal("dev-a"))
			Expect(deleted.NetworkInfo[0].Addresses).To(ConsistOf(netip.MustParseAddr("10.0.0.1")))

			created, ok := events[1].(api.DeviceCreated)
			Expect(ok).To(BeTrue())
			Expect(created.Device.ID).To(Equal("dev-c"))
			Expect(created.NetworkInfo[0].Addresses).To(ConsistOf(netip.MustParseAddr("10.0.0.1")))
		})
	})

	When("a network is renumbered", func() {
		var (
			network *api.Network
			devA    *api.Device
			devB    *api.Device
			devC    *api.Device
		)

		BeforeEach(func() {
			network = testNetwork("net-1", "vpn", "10.0.0.0/24")
			createNetwork(network)
			devA = testDevice("dev-a", "a")
			devB = testDevice("dev-b", "b")
			devC = testDevice("dev-c", "c")
			for _, d := range []*api.Device{devA, devB, devC} {
				out, _ := join(d)
				Expect(out[0].Status).To(Equal(Joined))
			}
		})

		renumber := func(allowed []*api.Device, blocks ...string) []api.GatewayEvent {
			var events []api.GatewayEvent
			err := s.Update(func(tx store.Tx) error {
				n := store.GetNetwork(tx, network.ID)
				n.Spec.Blocks = nil
				for _, b := range blocks {
					n.Spec.Blocks = append(n.Spec.Blocks, netip.MustParsePrefix(b))
				}
				if err := store.UpdateNetwork(tx, n); err != nil {
					return err
				}
				network = n
				var err error
				events, err = SyncAllowedDevices(tx, n, allowed, nil)
				return err
			})
			Expect(err).ToNot(HaveOccurred())
			return events
		}

		It("moves every link into the new block and keeps link identity", func() {
			var beforeID string
			s.View(func(tx store.ReadTx) {
				beforeID = store.GetLinkByMembership(tx, devA.ID, network.ID).ID
			})

			events := renumber([]*api.Device{devA, devB, devC}, "10.99.0.0/24")
			Expect(events).To(HaveLen(3))

			// Modifications come out in device ID order.
			wantAddrs := []string{"10.99.0.1", "10.99.0.2", "10.99.0.3"}
			for i, want := range []string{"dev-a", "dev-b", "dev-c"} {
				modified, ok := events[i].(api.DeviceModified)
				Expect(ok).To(BeTrue())
				Expect(modified.Device.ID).To(Equal(want))
				Expect(modified.NetworkInfo[0].Addresses).To(ConsistOf(netip.MustParseAddr(wantAddrs[i])))
			}

			s.View(func(tx store.ReadTx) {
				link := store.GetLinkByMembership(tx, devA.ID, network.ID)
				Expect(link.ID).To(Equal(beforeID))
				Expect(link.Addresses).To(ConsistOf(netip.MustParseAddr("10.99.0.1")))
			})
		})

		It("drops the device a shrunken block cannot hold", func() {
			events := renumber([]*api.Device{devA, devB, devC}, "10.99.0.0/30")
			Expect(events).To(HaveLen(3))

			_, ok := events[0].(api.DeviceModified)
			Expect(ok).To(BeTrue())
			_, ok = events[1].(api.DeviceModified)
			Expect(ok).To(BeTrue())
			deleted, ok := events[2].(api.DeviceDeleted)
			Expect(ok).To(BeTrue())
			Expect(deleted.Device.ID).To(Equal("dev-c"))

			s.View(func(tx store.ReadTx) {
				Expect(store.GetLinkByMembership(tx, devC.ID, network.ID)).To(BeNil())
				links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
				Expect(err).ToNot(HaveOccurred())
				Expect(links).To(HaveLen(2))
			})
		})
	})

	When("addresses are reserved", func() {
		It("never hands out a reserved address", func() {
			network := testNetwork("net-1", "vpn", "10.0.0.0/24")
			createNetwork(network)

			var allowed []*api.Device
			for _, id := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
				d := testDevice(id, id)
				createDevice(d)
				allowed = append(allowed, d)
			}

			events := sync(network, allowed, []netip.Addr{netip.MustParseAddr("10.0.0.5")})
			Expect(events).To(HaveLen(5))

			var got []netip.Addr
			s.View(func(tx store.ReadTx) {
				links, err := store.FindLinks(tx, store.ByNetworkID(network.ID))
				Expect(err).ToNot(HaveOccurred())
				for _, l := range links {
					got = append(got, l.Addresses...)
				}
			})
			Expect(got).To(ConsistOf(
				netip.MustParseAddr("10.0.0.1"),
				netip.MustParseAddr("10.0.0.2"),
				netip.MustParseAddr("10.0.0.3"),
				netip.MustParseAddr("10.0.0.4"),
				netip.MustParseAddr("10.0.0.6"),
			))
		})
	})

	When("devices arrive from a config import", func() {
		var (
			network *api.Network
			users   []*api.Device
		)

		BeforeEach(func() {
			network = testNetwork("net-1", "vpn", "10.0.0.0/24")
			createNetwork(network)
			users = nil
			for _, id := range []string{"dev-1", "dev-2", "dev-3", "dev-4", "dev-5"} {
				d := testDevice(id, id)
				createDevice(d)
				users = append(users, d)
			}
		})

		It("keeps imported addresses away from the rest of the sync", func() {
			imported := []importer.ImportedDevice{{
				Name:      "imported-1",
				PublicKey: "pk-imported-1",
				Addresses: []netip.Addr{netip.MustParseAddr("10.0.0.5")},
			}}

			var importedDevice *api.Device
			err := s.Update(func(tx store.Tx) error {
				devices, events, importErrs, err := HandleImportedDevices(tx, network, imported)
				if err != nil {
					return err
				}
				Expect(importErrs).To(BeEmpty())
				Expect(devices).To(HaveLen(1))
				Expect(events).To(HaveLen(1))
				importedDevice = devices[0]

				reserved := imported[0].Addresses
				allowed, err := AllowedDevices(tx)
				if err != nil {
					return err
				}
				_, err = SyncAllowedDevices(tx, network, allowed, reserved)
				return err
			})
			Expect(err).ToNot(HaveOccurred())

			s.View(func(tx store.ReadTx) {
				// The imported device keeps its fixed address.
				link := store.GetLinkByMembership(tx, importedDevice.ID, network.ID)
				Expect(link).ToNot(BeNil())
				Expect(link.Addresses).To(ConsistOf(netip.MustParseAddr("10.0.0.5")))

				// The five users got everything around it.
				var got []netip.Addr
				for _, d := range users {
					l := store.GetLinkByMembership(tx, d.ID, network.ID)
					Expect(l).ToNot(BeNil())
					got = append(got, l.Addresses...)
				}
				Expect(got).To(ConsistOf(
					netip.MustParseAddr("10.0.0.1"),
					netip.MustParseAddr("10.0.0.2"),
					netip.MustParseAddr("10.0.0.3"),
					netip.MustParseAddr("10.0.0.4"),
					netip.MustParseAddr("10.0.0.6"),
				))

				// Unconfigured imports stay out of the peer list.
				peers, err := Peers(tx, network)
				Expect(err).ToNot(HaveOccurred())
				Expect(peers).To(HaveLen(5))
				for _, p := range peers {
					Expect(p.PublicKey).ToNot(Equal("pk-imported-1"))
				}
			})

			// Mapping the device to an owner puts it on the wire.
			err = s.Update(func(tx store.Tx) error {
				events, err := HandleMappedDevices(tx, network, []DeviceMapping{
					{DeviceID: importedDevice.ID, OwnerID: "owner-9"},
				})
				if err != nil {
					return err
				}
				Expect(events).To(HaveLen(1))
				modified, ok := events[0].(api.DeviceModified)
				Expect(ok).To(BeTrue())
				Expect(modified.Device.Configured).To(BeTrue())
				Expect(modified.Device.Spec.OwnerID).To(Equal("owner-9"))
				return nil
			})
			Expect(err).ToNot(HaveOccurred())

			s.View(func(tx store.ReadTx) {
				peers, err := Peers(tx, network)
				Expect(err).ToNot(HaveOccurred())
				Expect(peers).To(HaveLen(6))
			})
		})
	})

	When("listing peers for a gateway", func() {
		It("orders by public key and carries the network keepalive", func() {
			network := testNetwork("net-1", "vpn", "10.0.0.0/24")
			network.Spec.KeepaliveInterval = 25 * time.Second
			createNetwork(network)

			devB := testDevice("dev-b", "b")
			devA := testDevice("dev-a", "a")
			join(devB)
			join(devA)

			s.View(func(tx store.ReadTx) {
				peers, err := Peers(tx, network)
				Expect(err).ToNot(HaveOccurred())
				Expect(peers).To(HaveLen(2))
				Expect(peers[0].PublicKey).To(Equal("pk-dev-a"))
				Expect(peers[1].PublicKey).To(Equal("pk-dev-b"))
				Expect(peers[0].Keepalive).To(Equal(network.Spec.KeepaliveInterval))
				Expect(peers[0].AllowedIPs).To(HaveLen(1))
			})
		})
	})
})
