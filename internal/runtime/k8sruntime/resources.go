package k8sruntime

import (
	"fmt"

	"k8s.io/apimachinery/pkg/api/resource"
)

func resourceQuantityMB(mb int) resource.Quantity {
	return resource.MustParse(fmt.Sprintf("%dMi", mb))
}

func resourceQuantityMilliCPU(cpuUnits int) resource.Quantity {
	return resource.MustParse(fmt.Sprintf("%dm", cpuUnits))
}
