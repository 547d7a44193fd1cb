/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package transport moves raw gPTP frames over one Ethernet interface through
an AF_PACKET socket, watches the interface link state and captures hardware
or software TX/RX timestamps.
*/

package transport

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jsimonetti/rtnetlink/rtnl"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/facebookincubator/gptp/port"
	ptp "github.com/facebookincubator/gptp/protocol"
)

// Timestamping mode of the socket
const (
	HWTIMESTAMP = "hardware"
	SWTIMESTAMP = "software"
)

const (
	// socket control message buffer, large enough for stacked timestamps
	controlSizeBytes = 128
	// how often the link watcher polls the interface
	linkPollInterval = time.Second
	// how long e.g. i210 needs to hand a TX timestamp to the driver
	txTimestampTimeout = time.Millisecond
)

// Ethernet is a port.Transport over an AF_PACKET socket bound to one interface
type Ethernet struct {
	iface    *net.Interface
	fd       int
	tsMode   string
	phyDelay map[uint32]time.Duration

	linkSpeed uint32 // Mb/s, updated by the link watcher
	linkUp    atomic.Bool

	linkCh chan bool

	rxMu   sync.Mutex
	lastRX time.Time

	serializeOpts gopacket.SerializeOptions
}

// Open creates the raw socket, joins the gPTP multicast groups and enables
// the requested timestamping mode
func Open(ifname string, tsMode string) (*Ethernet, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %s: %w", ifname, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(uint16(ptp.EtherType))))
	if err != nil {
		return nil, fmt.Errorf("creating AF_PACKET socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(uint16(ptp.EtherType)),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding to %s: %w", ifname, err)
	}

	for _, group := range [][]byte{ptp.PDelayMulticast, ptp.OtherMulticast, ptp.TestStatusMulticast} {
		mreq := unix.PacketMreq{
			Ifindex: int32(iface.Index),
			Type:    unix.PACKET_MR_MULTICAST,
			Alen:    6,
		}
		copy(mreq.Address[:], group)
		if err := unix.SetsockoptPacketMreq(fd, unix.SOL_PACKET, unix.PACKET_ADD_MEMBERSHIP, &mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("joining multicast group %v: %w", group, err)
		}
	}

	e := &Ethernet{
		iface:  iface,
		fd:     fd,
		tsMode: tsMode,
		linkCh: make(chan bool, 16),
		phyDelay: map[uint32]time.Duration{
			100:   1044,
			1000:  300,
			2500:  621,
			10000: 6386,
		},
		serializeOpts: gopacket.SerializeOptions{FixLengths: false},
	}

	switch tsMode {
	case HWTIMESTAMP:
		if err := e.enableHWTimestamps(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("enabling hardware timestamps: %w", err)
		}
	case SWTIMESTAMP:
		if err := e.enableSWTimestamps(); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("enabling software timestamps: %w", err)
		}
	default:
		unix.Close(fd)
		return nil, fmt.Errorf("unrecognized timestamp type: %s", tsMode)
	}

	e.refreshLink()
	go e.watchLink()
	return e, nil
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

// ifreq is the ioctl ethernet manipulation struct
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
}

type hwtstampConfig struct {
	flags    int32
	txType   int32
	rxFilter int32
}

func (e *Ethernet) enableHWTimestamps() error {
	hw := &hwtstampConfig{
		txType:   unix.HWTSTAMP_TX_ON,
		rxFilter: unix.HWTSTAMP_FILTER_PTP_V2_L2_EVENT,
	}
	i := &ifreq{data: uintptr(unsafe.Pointer(hw))}
	copy(i.name[:unix.IFNAMSIZ-1], e.iface.Name)
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(e.fd), unix.SIOCSHWTSTAMP, uintptr(unsafe.Pointer(i))); errno != 0 {
		return fmt.Errorf("failed to run ioctl SIOCSHWTSTAMP: %d", errno)
	}

	flags := unix.SOF_TIMESTAMPING_TX_HARDWARE |
		unix.SOF_TIMESTAMPING_RX_HARDWARE |
		unix.SOF_TIMESTAMPING_RAW_HARDWARE
	if err := unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

func (e *Ethernet) enableSWTimestamps() error {
	flags := unix.SOF_TIMESTAMPING_TX_SOFTWARE |
		unix.SOF_TIMESTAMPING_RX_SOFTWARE |
		unix.SOF_TIMESTAMPING_SOFTWARE
	if err := unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_TIMESTAMPING, flags); err != nil {
		return err
	}
	return unix.SetsockoptInt(e.fd, unix.SOL_SOCKET, unix.SO_SELECT_ERR_QUEUE, 1)
}

// Recv blocks for the next gPTP frame addressed to us
func (e *Ethernet) Recv(buf []byte) (int, net.HardwareAddr, uint32, error) {
	frame := make([]byte, len(buf)+14)
	oob := make([]byte, controlSizeBytes)
	n, oobn, _, _, err := unix.Recvmsg(e.fd, frame, oob, 0)
	if err != nil {
		if err == unix.EBADF || err == unix.ENETDOWN || err == unix.ENODEV {
			return 0, nil, 0, fmt.Errorf("receive: %v: %w", err, port.ErrFatal)
		}
		return 0, nil, 0, fmt.Errorf("receive: %w", err)
	}

	if ts, terr := socketControlMessageTimestamp(oob[:oobn]); terr == nil {
		e.rxMu.Lock()
		e.lastRX = ts
		e.rxMu.Unlock()
	}

	packet := gopacket.NewPacket(frame[:n], layers.LayerTypeEthernet, gopacket.NoCopy)
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return 0, nil, 0, fmt.Errorf("short ethernet frame, %d bytes", n)
	}
	eth := ethLayer.(*layers.Ethernet)
	payload := eth.Payload
	copied := copy(buf, payload)
	return copied, eth.SrcMAC, e.LinkSpeed(), nil
}

// Send transmits one gPTP payload to dst
func (e *Ethernet) Send(dst net.HardwareAddr, etherType uint16, payload []byte, wantTimestamp bool) error {
	eth := &layers.Ethernet{
		SrcMAC:       e.iface.HardwareAddr,
		DstMAC:       dst,
		EthernetType: layers.EthernetType(etherType),
	}
	sbuf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(sbuf, e.serializeOpts, eth, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serializing frame: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(etherType),
		Ifindex:  e.iface.Index,
		Halen:    6,
	}
	copy(sll.Addr[:], dst)
	if err := unix.Sendto(e.fd, sbuf.Bytes(), 0, sll); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// LinkEvents delivers link up/down transitions
func (e *Ethernet) LinkEvents() <-chan bool {
	return e.linkCh
}

// LinkSpeed returns the current link speed in Mb/s
func (e *Ethernet) LinkSpeed() uint32 {
	return atomic.LoadUint32(&e.linkSpeed)
}

// Close releases the socket
func (e *Ethernet) Close() error {
	return unix.Close(e.fd)
}

// watchLink polls the interface operational state and publishes transitions
func (e *Ethernet) watchLink() {
	for range time.Tick(linkPollInterval) {
		up, changed := e.refreshLink()
		if changed {
			select {
			case e.linkCh <- up:
			default:
				log.Warningf("link event channel full, dropping transition")
			}
		}
	}
}

func (e *Ethernet) refreshLink() (bool, bool) {
	up := e.operState()
	if up {
		if speed, err := sysfsLinkSpeed(e.iface.Name); err == nil {
			atomic.StoreUint32(&e.linkSpeed, speed)
		}
	}
	changed := e.linkUp.Swap(up) != up
	return up, changed
}

func (e *Ethernet) operState() bool {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		log.Errorf("Failed to dial rtnetlink: %v", err)
		return false
	}
	defer conn.Close()
	links, err := conn.Links()
	if err != nil {
		log.Errorf("Failed to query links: %v", err)
		return false
	}
	for _, link := range links {
		if link.Index == e.iface.Index {
			return link.Flags&net.FlagUp != 0
		}
	}
	return false
}

func sysfsLinkSpeed(ifname string) (uint32, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/sys/class/net/%s/speed", ifname))
	if err != nil {
		return 0, err
	}
	speed, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(speed), nil
}

// socketControlMessageTimestamp parses SO_TIMESTAMPING control messages.
// scm_timestamping carries three timespecs, hardware is the third one,
// software the first, we take whichever is set.
func socketControlMessageTimestamp(oob []byte) (time.Time, error) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Time{}, err
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SO_TIMESTAMPING {
			if len(m.Data) < 3*16 {
				return time.Time{}, fmt.Errorf("short scm_timestamping: %d bytes", len(m.Data))
			}
			for _, idx := range []int{2, 0} {
				sec := int64(binary.LittleEndian.Uint64(m.Data[idx*16:]))
				nsec := int64(binary.LittleEndian.Uint64(m.Data[idx*16+8:]))
				if sec != 0 || nsec != 0 {
					return time.Unix(sec, nsec), nil
				}
			}
		}
	}
	return time.Time{}, fmt.Errorf("no timestamp control message")
}

// TXTimestamp reads the TX timestamp of the last timestamped frame from the
// socket error queue. Returns port.ErrTimestampAgain while the driver has not
// delivered it yet.
func (e *Ethernet) TXTimestamp(_ ptp.PortIdentity, msgID ptp.MessageID, last bool) (ptp.Timestamp, uint32, error) {
	buf := make([]byte, 128)
	oob := make([]byte, controlSizeBytes)
	_, oobn, _, _, err := unix.Recvmsg(e.fd, buf, oob, unix.MSG_ERRQUEUE|unix.MSG_DONTWAIT)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			if last {
				return ptp.InvalidTimestamp, 0, fmt.Errorf("no TX timestamp for %s after %s", msgID, txTimestampTimeout)
			}
			return ptp.InvalidTimestamp, 0, port.ErrTimestampAgain
		}
		return ptp.InvalidTimestamp, 0, fmt.Errorf("reading TX timestamp: %w", err)
	}
	ts, err := socketControlMessageTimestamp(oob[:oobn])
	if err != nil {
		return ptp.InvalidTimestamp, 0, err
	}
	return ptp.NewTimestamp(ts), 0, nil
}

// RXTimestamp returns the timestamp captured for the last received frame
func (e *Ethernet) RXTimestamp(_ ptp.PortIdentity, msgID ptp.MessageID, _ bool) (ptp.Timestamp, uint32, error) {
	e.rxMu.Lock()
	defer e.rxMu.Unlock()
	if e.lastRX.IsZero() {
		return ptp.InvalidTimestamp, 0, fmt.Errorf("no RX timestamp for %s", msgID)
	}
	return ptp.NewTimestamp(e.lastRX), 0, nil
}

// Reset reinitializes the timestamping mode after a link transition
func (e *Ethernet) Reset() {
	var err error
	switch e.tsMode {
	case HWTIMESTAMP:
		err = e.enableHWTimestamps()
	case SWTIMESTAMP:
		err = e.enableSWTimestamps()
	}
	if err != nil {
		log.Errorf("Failed to reset timestamping: %v", err)
	}
}

// RxPhyDelay is the fixed receive path latency of the PHY at the given link speed
func (e *Ethernet) RxPhyDelay(linkSpeed uint32) time.Duration {
	return e.phyDelay[linkSpeed]
}
