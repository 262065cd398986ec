package measurement

import "strconv"

// Kind names the category of a resource or consumer
type Kind string

const (
	KindLocalMachine Kind = "local_machine"
	KindCPUPackage   Kind = "cpu_package"
	KindCPUCore      Kind = "cpu_core"
	KindDram         Kind = "dram"
	KindGPU          Kind = "gpu"
	KindProcess      Kind = "process"
	KindControlGroup Kind = "cgroup"
)

// Resource is the thing being measured (a CPU package, a GPU, the whole machine).
type Resource struct {
	Kind Kind   `json:"kind" msgpack:"kind"`
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`
}

func LocalMachine() Resource {
	return Resource{Kind: KindLocalMachine}
}

func CPUPackage(id uint32) Resource {
	return Resource{Kind: KindCPUPackage, ID: strconv.FormatUint(uint64(id), 10)}
}

func CPUCore(id uint32) Resource {
	return Resource{Kind: KindCPUCore, ID: strconv.FormatUint(uint64(id), 10)}
}

// Dram is the memory attached to the given CPU package
func Dram(pkg uint32) Resource {
	return Resource{Kind: KindDram, ID: strconv.FormatUint(uint64(pkg), 10)}
}

func GPU(busID string) Resource {
	return Resource{Kind: KindGPU, ID: busID}
}

func CustomResource(kind, id string) Resource {
	return Resource{Kind: Kind(kind), ID: id}
}

func (r Resource) String() string {
	return render(r.Kind, r.ID)
}

// Consumer is the entity the measured quantity is attributed to.
type Consumer struct {
	Kind Kind   `json:"kind" msgpack:"kind"`
	ID   string `json:"id,omitempty" msgpack:"id,omitempty"`
}

func LocalMachineConsumer() Consumer {
	return Consumer{Kind: KindLocalMachine}
}

func Process(pid uint32) Consumer {
	return Consumer{Kind: KindProcess, ID: strconv.FormatUint(uint64(pid), 10)}
}

func ControlGroup(path string) Consumer {
	return Consumer{Kind: KindControlGroup, ID: path}
}

func CustomConsumer(kind, id string) Consumer {
	return Consumer{Kind: Kind(kind), ID: id}
}

func (c Consumer) String() string {
	return render(c.Kind, c.ID)
}

func render(kind Kind, id string) string {
	if id == "" {
		return string(kind)
	}
	return string(kind) + "/" + id
}
